package dag

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipeweave/internal/core"
)

func racerTemplate() FamilyTemplate {
	return FamilyTemplate{Roles: []Role{
		{Basename: "extract", Doc: "Extract data for a single racer", Task: core.Task{
			FileDeps: []string{"data.csv"},
			Targets:  []string{"temp/raw-{id}.json"},
			Actions:  []core.Action{core.Command("extract", "data.csv", "--name", "{id}", "temp/raw-{id}.json")},
			Clean:    true,
		}},
		{Basename: "clean", Task: core.Task{
			FileDeps: []string{"temp/raw-{id}.json"},
			Targets:  []string{"temp/clean-{id}.json"},
			Actions:  []core.Action{core.Command("clean", "temp/raw-{id}.json", "temp/clean-{id}.json")},
		}},
	}}
}

func TestExpandFamily_KInstancesAndOneAggregate(t *testing.T) {
	for _, k := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			ids := make([]string, k)
			for i := range ids {
				ids[i] = fmt.Sprintf("R%d", i)
			}
			g := NewGraph()
			gen, err := g.ExpandFamily(racerTemplate(), ids)
			require.NoError(t, err)
			require.Len(t, gen["extract"], k)
			require.Len(t, gen["clean"], k)

			require.NoError(t, g.Register(core.Task{
				Name:    "merge",
				Targets: []string{"temp/merged.json"},
				Getargs: map[string]core.Binding{"racer_values": {Task: "clean", Key: "clean_data"}},
				Actions: []core.Action{core.Command("merge", "temp/merged.json", "{racer_values}")},
			}))
			require.NoError(t, g.Freeze())

			aggregates := 0
			for _, task := range g.Tasks() {
				if task.Name == "merge" {
					aggregates++
				}
			}
			assert.Equal(t, 1, aggregates)
			assert.Equal(t, []string{"clean"}, g.Deps("merge"))
			assert.Equal(t, gen["clean"], g.Members("clean"))
			assert.Equal(t, gen["clean"], g.Leaves("clean"))

			order, err := g.ResolveOrder([]string{"merge"})
			require.NoError(t, err)
			assert.Len(t, order, 2*k+2) // members, the clean group and merge
			assert.Equal(t, "merge", order[len(order)-1])
		})
	}
}

func TestExpandFamily_SubstitutesIdentifier(t *testing.T) {
	g := NewGraph()
	gen, err := g.ExpandFamily(racerTemplate(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"extract": {"extract:A", "extract:B"},
		"clean":   {"clean:A", "clean:B"},
	}, gen)

	task, ok := g.Task("extract:B")
	require.True(t, ok)
	assert.Equal(t, "B", task.Entity)
	assert.Equal(t, []string{"temp/raw-B.json"}, task.Targets)
	assert.Equal(t, []string{"extract", "data.csv", "--name", "B", "temp/raw-B.json"}, task.Actions[0].Argv)
	assert.True(t, task.Clean)

	group, ok := g.Task("extract")
	require.True(t, ok)
	assert.Empty(t, group.Actions)
	assert.Equal(t, "Extract data for a single racer", group.Doc)
	assert.True(t, g.IsGroup("extract"))
	assert.False(t, g.IsGroup("extract:A"))

	require.NoError(t, g.Freeze())
	// clean:B depends on extract:B through its file dependency only.
	assert.Equal(t, []string{"extract:B"}, g.Deps("clean:B"))
}

func TestExpandFamily_TemplateIsNotShared(t *testing.T) {
	tmpl := racerTemplate()
	g := NewGraph()
	_, err := g.ExpandFamily(tmpl, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, "temp/raw-{id}.json", tmpl.Roles[0].Task.Targets[0])
	assert.Equal(t, "{id}", tmpl.Roles[0].Task.Actions[0].Argv[3])
}

func TestExpandFamily_DuplicateIdentifier(t *testing.T) {
	g := NewGraph()
	_, err := g.ExpandFamily(racerTemplate(), []string{"A", "A"})
	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "extract:A", dup.Name)
}
