package dataset

// State is a Dataset Controller's lifecycle state:
//
//	Initializing -> Ready <-> Refreshing
//	Initializing -> Error
//	Ready/Refreshing -> Error
//	any -> Removing
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateRefreshing
	StateError
	StateRemoving
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	case StateError:
		return "error"
	case StateRemoving:
		return "removing"
	default:
		return "unknown"
	}
}
