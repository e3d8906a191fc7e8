package store

// Plugin is the persisted registry record for an installed plugin.
type Plugin struct {
	ID                  string
	Name                string
	Description         string
	Publisher           string
	Version             string
	Enabled             bool
	Loaded              bool
	RuntimeMode         string
	SupportedModes      []string
	ModeSwitchSupported bool
	Config              map[string]any
	InstallPath         string
	CreatedAt           string
	UpdatedAt           string
}

// InstallJob tracks one asynchronous plugin install request.
type InstallJob struct {
	ID          string
	PluginName  string
	InstallType string
	Payload     map[string]any
	Status      string
	Error       string
	CreatedAt   string
	StartedAt   *string
	FinishedAt  *string
}

// Device is a registered device record.
type Device struct {
	ID        string
	Name      string
	Type      string
	Online    bool
	Powered   bool
	Metadata  map[string]any
	LastSeen  *string
	CreatedAt string
	UpdatedAt string
}

// Binding associates a plugin with the devices matched by a selector.
type Binding struct {
	ID         string
	PluginName string
	Selector   string
	CreatedAt  string
}

// DeviceLink is a persisted relationship between two devices.
type DeviceLink struct {
	ID           string
	FromDeviceID string
	ToDeviceID   string
	LinkType     string
	Direction    string
	CreatedAt    string
}
