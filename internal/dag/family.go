package dag

import (
	"fmt"
	"strings"

	"pipeweave/internal/core"
)

// ExpandFamily registers one task per role for every entity identifier, then
// one group task per role depending on all of that role's members. It returns
// the generated member names keyed by role basename, in ids order.
func (g *Graph) ExpandFamily(tmpl FamilyTemplate, ids []string) (map[string][]string, error) {
	if g.frozen {
		return nil, ErrFrozen
	}
	if len(tmpl.Roles) == 0 {
		return nil, invalidf("family template has no roles")
	}
	for _, r := range tmpl.Roles {
		if r.Basename == "" || strings.Contains(r.Basename, ":") {
			return nil, invalidf("invalid role basename %q", r.Basename)
		}
	}

	generated := make(map[string][]string, len(tmpl.Roles))
	for _, id := range ids {
		if id == "" {
			return nil, invalidf("empty entity identifier")
		}
		for _, r := range tmpl.Roles {
			t := instantiate(r, id)
			if err := g.Register(t); err != nil {
				return nil, fmt.Errorf("expanding %s for %q: %w", r.Basename, id, err)
			}
			generated[r.Basename] = append(generated[r.Basename], t.Name)
		}
	}
	for _, r := range tmpl.Roles {
		if err := g.RegisterGroup(r.Basename, r.Doc, generated[r.Basename]); err != nil {
			return nil, fmt.Errorf("registering group %s: %w", r.Basename, err)
		}
	}
	return generated, nil
}

func instantiate(r Role, id string) core.Task {
	sub := func(s string) string { return strings.ReplaceAll(s, IDPlaceholder, id) }
	subAll := func(in []string) []string {
		if in == nil {
			return nil
		}
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = sub(s)
		}
		return out
	}

	t := *cloneTask(r.Task)
	if t.Name == "" {
		t.Name = r.Basename + ":" + IDPlaceholder
	}
	t.Name = sub(t.Name)
	t.Doc = sub(t.Doc)
	t.Entity = id
	t.FileDeps = subAll(t.FileDeps)
	t.TaskDeps = subAll(t.TaskDeps)
	t.Targets = subAll(t.Targets)
	for i, a := range t.Actions {
		a.Argv = subAll(a.Argv)
		a.Dir = sub(a.Dir)
		if a.Env != nil {
			env := make(map[string]string, len(a.Env))
			for k, v := range a.Env {
				env[k] = sub(v)
			}
			a.Env = env
		}
		t.Actions[i] = a
	}
	for k, b := range t.Getargs {
		t.Getargs[k] = core.Binding{Task: sub(b.Task), Key: b.Key}
	}
	return t
}
