package runner

import (
	"fmt"
	"sort"
	"strconv"

	"retailetl/internal/controlplane"
)

// PlanEntry is one table scheduled for execution, with its parsed load
// order.
type PlanEntry struct {
	Table controlplane.TableDefinition
	Role  controlplane.TableRole
	Order int
}

// BuildPlan turns a pipeline's table mapping into an ordered execution
// plan. load_order is stored as text in the mapping table; a value that
// does not parse as an integer is a metadata integrity failure and aborts
// planning rather than sorting the table somewhere arbitrary. Ties are
// broken by table name so the plan is deterministic.
func BuildPlan(mapping []controlplane.MappedTable) ([]PlanEntry, error) {
	out := make([]PlanEntry, 0, len(mapping))
	for _, m := range mapping {
		order, err := strconv.Atoi(m.LoadOrder)
		if err != nil {
			return nil, fmt.Errorf("runner: table %q has non-numeric load_order %q", m.Table.Name, m.LoadOrder)
		}
		out = append(out, PlanEntry{Table: m.Table, Role: m.Role, Order: order})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Table.Name < out[j].Table.Name
	})
	return out, nil
}
