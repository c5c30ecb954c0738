package task

import "fmt"

// RouteKind selects the post-run disposition of a task's response.
type RouteKind string

const (
	// RouteSilent discards the response.
	RouteSilent RouteKind = "silent"
	// RouteNotify emits a notification event carrying the response;
	// external notifiers decide what to do with it.
	RouteNotify RouteKind = "notify"
	// RouteMemoryUpdate stores the response as a globally scoped episode
	// memory with system/task provenance.
	RouteMemoryUpdate RouteKind = "memory_update"
	// RouteChainNext enqueues another task definition when the run
	// finishes, optionally passing the response as chained context.
	RouteChainNext RouteKind = "chain_next"
)

// Route is the tagged result-route variant. Only RouteChainNext carries
// payload fields.
type Route struct {
	Kind RouteKind `json:"kind"`

	// chain_next only
	ChainTaskID       string `json:"chain_task_id,omitempty"`
	ContextFromResult bool   `json:"context_from_result,omitempty"`
}

// Silent returns the discard route.
func Silent() Route { return Route{Kind: RouteSilent} }

// Notify returns the notification route.
func Notify() Route { return Route{Kind: RouteNotify} }

// MemoryUpdate returns the memory-write route.
func MemoryUpdate() Route { return Route{Kind: RouteMemoryUpdate} }

// ChainNext returns a chaining route to the given task definition.
func ChainNext(taskID string, contextFromResult bool) Route {
	return Route{Kind: RouteChainNext, ChainTaskID: taskID, ContextFromResult: contextFromResult}
}

// Validate checks internal consistency of the route.
func (r Route) Validate() error {
	switch r.Kind {
	case RouteSilent, RouteNotify, RouteMemoryUpdate:
		return nil
	case RouteChainNext:
		if r.ChainTaskID == "" {
			return fmt.Errorf("route: chain_next requires a task id")
		}
		return nil
	case "":
		return fmt.Errorf("route: kind is required")
	default:
		return fmt.Errorf("route: unknown kind %q", r.Kind)
	}
}
