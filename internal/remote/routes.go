package remote

import (
	"fmt"
	"maps"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/habittrack/habitsync/internal/schema"
	"github.com/habittrack/habitsync/internal/syncerr"
)

// Route names the RPCs and parameters used for one entity type.
type Route struct {
	Upsert    string `toml:"upsert"`
	Delete    string `toml:"delete"`
	IDParam   string `toml:"id_param"`
	DataParam string `toml:"data_param"`
}

// Routes maps entity types to their RPC routes.
type Routes struct {
	Entities map[string]Route `toml:"entities"`
}

// DefaultRoutes returns the routes the hosted backend exposes.
func DefaultRoutes() Routes {
	return Routes{Entities: map[string]Route{
		schema.EntityHabit: {
			Upsert:    "upsert_habit_mutation",
			Delete:    "delete_habit_mutation",
			IDParam:   "habit_id",
			DataParam: "habit_data",
		},
		schema.EntityArchivedHabit: {
			Upsert:    "upsert_archived_habit_mutation",
			Delete:    "delete_archived_habit_mutation",
			IDParam:   "archived_habit_id",
			DataParam: "archived_habit_data",
		},
		schema.EntitySchedule: {
			Upsert:    "upsert_schedule_mutation",
			Delete:    "delete_schedule_mutation",
			IDParam:   "schedule_id",
			DataParam: "schedule_data",
		},
	}}
}

// LoadRoutes reads a TOML route file and overlays it on DefaultRoutes.
// An empty path returns the defaults.
//
//	[entities.habit]
//	upsert = "upsert_habit_v2"
//	delete = "delete_habit_v2"
func LoadRoutes(path string) (Routes, error) {
	routes := DefaultRoutes()
	if path == "" {
		return routes, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Routes{}, fmt.Errorf("failed to read routes file: %w", err)
	}

	var file Routes
	if _, err := toml.Decode(string(data), &file); err != nil {
		return Routes{}, fmt.Errorf("failed to parse routes file %s: %w", path, err)
	}

	merged := maps.Clone(routes.Entities)
	for entity, r := range file.Entities {
		base := merged[entity]
		if r.Upsert != "" {
			base.Upsert = r.Upsert
		}
		if r.Delete != "" {
			base.Delete = r.Delete
		}
		if r.IDParam != "" {
			base.IDParam = r.IDParam
		}
		if r.DataParam != "" {
			base.DataParam = r.DataParam
		}
		merged[entity] = base
	}
	routes.Entities = merged

	if err := routes.Validate(); err != nil {
		return Routes{}, fmt.Errorf("invalid routes file %s: %w", path, err)
	}
	return routes, nil
}

// Validate checks every route names both RPCs.
func (r Routes) Validate() error {
	for entity, route := range r.Entities {
		if route.Upsert == "" || route.Delete == "" {
			return fmt.Errorf("entity %q needs both upsert and delete", entity)
		}
	}
	return nil
}

// Lookup returns the route and the RPC name for an entity and operation.
// Create and update share the upsert RPC.
func (r Routes) Lookup(entityType string, op schema.Operation) (Route, string, error) {
	route, ok := r.Entities[entityType]
	if !ok {
		return Route{}, "", fmt.Errorf("%w: %q", syncerr.ErrUnknownEntity, entityType)
	}

	switch op {
	case schema.OpCreate, schema.OpUpdate:
		return route, route.Upsert, nil
	case schema.OpDelete:
		return route, route.Delete, nil
	default:
		return Route{}, "", fmt.Errorf("invalid operation %q", op)
	}
}
