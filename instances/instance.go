package instances

// Instance describes one managed NoneBot deployment. It is stored as an opaque
// JSON blob, so every field here must survive a marshal round trip.
//
// The interpreter and entrypoint used to relaunch an instance are not part of
// the record; they follow the fixed layout configured on the Supervisor.
type Instance struct {
	WorkingDirectory string `json:"workingDirectory"`
}

// New returns an Instance bound to workingDirectory.
func New(workingDirectory string) Instance {
	return Instance{WorkingDirectory: workingDirectory}
}
