package domain

// DeviceStorage describes one storage unit reported by the extension.
type DeviceStorage struct {
	ID       string `json:"id"`
	Capacity string `json:"capacity"`
	Type     string `json:"type"`
}

// DeviceDisplay describes one display reported by the extension.
type DeviceDisplay struct {
	Name      string `json:"name"`
	Height    string `json:"height"`
	Width     string `json:"width"`
	IsPrimary bool   `json:"isPrimary"`
}

// DeviceInfo is the telemetry snapshot a participant's extension sends.
// IsVM is filled server-side before the snapshot is persisted.
type DeviceInfo struct {
	DeviceID           string          `json:"deviceId"`
	OperatingSystem    string          `json:"operatingSystem"`
	UserAgent          string          `json:"userAgent"`
	CPUModel           string          `json:"cpuModel"`
	CPUArch            string          `json:"cpuArch"`
	CPUNumOfProcessors int             `json:"cpuNumOfProcessors"`
	PrimaryDisplay     string          `json:"primaryDisplay"`
	Browser            string          `json:"browser"`
	BrowserVersion     string          `json:"browserVersion"`
	GPU                string          `json:"gpu,omitempty"`
	RAMSize            string          `json:"ramSize,omitempty"`
	Storages           []DeviceStorage `json:"storages,omitempty"`
	Displays           []DeviceDisplay `json:"displays,omitempty"`
	IsVM               bool            `json:"isVM"`
}
