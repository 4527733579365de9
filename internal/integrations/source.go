package integrations

// RosterSource defines the minimal interface for external worker roster
// integrations (HR exports, scheduling systems).
type RosterSource interface {
	Name() string
	Authenticate(cfg map[string]any) (AuthState, error)
	FetchWorkers(since string, cursor string) (WorkerBatch, error)
	AckWorkers(ids []string) error
}

type AuthState struct {
	Method string
	Token  string
}

type WorkerBatch struct {
	Workers []RosterWorker
	Cursor  string
}

// RosterWorker is a roster row before it becomes a tracked worker.
type RosterWorker struct {
	ExternalRef string
	Name        string
	Role        string
}
