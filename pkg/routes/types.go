// Package routes maps action types to the COMMS subjects the bridge forwards
// them to.
package routes

// Mode selects how the bridge forwards an action.
type Mode string

const (
	// ModePublish fires the envelope and expects replies out of band.
	ModePublish Mode = "publish"
	// ModeRequest waits for a reply and delivers it to the client.
	ModeRequest Mode = "request"
)

// Route is one entry of the route table.
type Route struct {
	Subject   string `json:"subject"`
	Mode      Mode   `json:"mode,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// RoutesConfig is the root of a routes file.
type RoutesConfig struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	SubjectPrefix string            `json:"subjectPrefix,omitempty"`
	DefaultMode   Mode              `json:"defaultMode,omitempty"`
	Routes        map[string]Route  `json:"routes"`
	Aliases       map[string]string `json:"aliases,omitempty"`
}
