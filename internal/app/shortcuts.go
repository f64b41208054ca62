package app

import "strings"

// ShortcutMatch is one detected keystroke shortcut.
type ShortcutMatch struct {
	Shortcut string `json:"shortcut"`
	Desc     string `json:"desc"`
}

// Bracketed shortcut tokens the extension embeds in its keystroke
// transcript, mapped to what the participant did.
var shortcutTable = []ShortcutMatch{
	{"[CTRL+C]", "Copy"},
	{"[CTRL+V]", "Paste"},
	{"[CTRL+X]", "Cut"},
	{"[CTRL+A]", "Select all"},
	{"[CTRL+Z]", "Undo"},
	{"[CTRL+Y]", "Redo"},
	{"[CTRL+F]", "Find"},
	{"[CTRL+P]", "Print"},
	{"[CTRL+S]", "Save page"},
	{"[CTRL+T]", "New tab"},
	{"[CTRL+N]", "New window"},
	{"[CTRL+SHIFT+N]", "New incognito window"},
	{"[CTRL+W]", "Close tab"},
	{"[CTRL+SHIFT+T]", "Reopen closed tab"},
	{"[CTRL+TAB]", "Switch tab"},
	{"[CTRL+H]", "Open history"},
	{"[CTRL+J]", "Open downloads"},
	{"[CTRL+U]", "View page source"},
	{"[CTRL+SHIFT+I]", "Open developer tools"},
	{"[CTRL+SHIFT+J]", "Open developer console"},
	{"[CTRL+SHIFT+C]", "Inspect element"},
	{"[CTRL+ESC]", "Open start menu"},
	{"[CTRL+SHIFT+ESC]", "Open task manager"},
	{"[ALT+TAB]", "Switch application"},
	{"[ALT+F4]", "Close application"},
	{"[WIN+D]", "Show desktop"},
	{"[WIN+E]", "Open file explorer"},
	{"[WIN+R]", "Open run dialog"},
	{"[WIN+L]", "Lock screen"},
	{"[WIN+TAB]", "Open task view"},
	{"[PRINT SCREEN]", "Screen capture"},
	{"[F11]", "Toggle fullscreen"},
	{"[F12]", "Open developer tools"},
}

// DetectShortcuts returns every table entry whose token appears in the
// transcript, case-insensitively. Matches are not mutually exclusive.
func DetectShortcuts(transcript string) []ShortcutMatch {
	if transcript == "" {
		return nil
	}
	haystack := strings.ToUpper(transcript)
	var out []ShortcutMatch
	for _, entry := range shortcutTable {
		if strings.Contains(haystack, entry.Shortcut) {
			out = append(out, entry)
		}
	}
	return out
}
