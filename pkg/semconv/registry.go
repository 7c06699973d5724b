// Registry loading and lookup over semantic convention YAML files
package semconv

import (
	"fmt"
	"io/fs"
	"maps"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	semconvdata "github.com/andrewh/beacon/third_party/semconv"
)

// groupsFile is the top-level shape of one semantic convention YAML file.
type groupsFile struct {
	Groups []Group `yaml:"groups"`
}

// Registry indexes semantic convention groups and attributes for lookup by
// id and by domain. Build one with Load or LoadEmbedded; the zero value is
// not usable.
type Registry struct {
	groups    []Group
	byGroupID map[string]*Group
	byAttrID  map[string]*Attribute
	byDomain  map[string][]*Group
}

// Load parses every YAML file in fsys into a Registry. The first directory
// component of each file becomes its groups' domain. Directories named
// "deprecated" are skipped wholesale; deprecated attributes inside regular
// files are kept and marked, so the linter can point at replacements.
func Load(fsys fs.FS) (*Registry, error) {
	var allGroups []Group

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if underDeprecatedDir(path) {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, readErr := fs.ReadFile(fsys, path)
		if readErr != nil {
			return fmt.Errorf("reading %s: %w", path, readErr)
		}

		var gf groupsFile
		if parseErr := yaml.Unmarshal(data, &gf); parseErr != nil {
			return fmt.Errorf("parsing %s: %w", path, parseErr)
		}

		domain := domainOf(path)
		for i := range gf.Groups {
			gf.Groups[i].domain = domain
			allGroups = append(allGroups, gf.Groups[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking filesystem: %w", err)
	}

	return buildRegistry(allGroups), nil
}

// LoadEmbedded loads the vendored model: the browser, http, url, network,
// server, session, and user_agent convention groups beacon's hooks emit.
func LoadEmbedded() (*Registry, error) {
	sub, err := fs.Sub(semconvdata.ModelFS, "model")
	if err != nil {
		return nil, fmt.Errorf("accessing embedded model: %w", err)
	}
	return Load(sub)
}

// Group returns the group with the given id, or nil.
func (r *Registry) Group(id string) *Group {
	return r.byGroupID[id]
}

// Attribute returns the attribute with the given id, or nil.
func (r *Registry) Attribute(id string) *Attribute {
	return r.byAttrID[id]
}

// Domain returns the groups loaded under the named domain directory.
func (r *Registry) Domain(name string) []*Group {
	return r.byDomain[name]
}

// Domains returns all domain names, sorted.
func (r *Registry) Domains() []string {
	return slices.Sorted(maps.Keys(r.byDomain))
}

// Groups returns all groups in load order.
func (r *Registry) Groups() []Group {
	return r.groups
}

// Merge combines two registries into a new one, leaving both inputs
// untouched. Groups from other come after groups from r, so a duplicate
// group id in other wins lookups; attribute references re-resolve across
// the combined set. This is how a user-supplied overlay extends the
// vendored model.
func (r *Registry) Merge(other *Registry) *Registry {
	combined := make([]Group, 0, len(r.groups)+len(other.groups))
	for _, g := range r.groups {
		g.Attributes = slices.Clone(g.Attributes)
		combined = append(combined, g)
	}
	for _, g := range other.groups {
		g.Attributes = slices.Clone(g.Attributes)
		combined = append(combined, g)
	}
	return buildRegistry(combined)
}

// buildRegistry indexes groups and resolves attribute references.
// Later definitions win the index, matching Merge's overlay contract.
func buildRegistry(groups []Group) *Registry {
	r := &Registry{
		groups:    groups,
		byGroupID: make(map[string]*Group, len(groups)),
		byAttrID:  make(map[string]*Attribute, len(groups)*4),
		byDomain:  make(map[string][]*Group),
	}

	for i := range r.groups {
		g := &r.groups[i]
		r.byGroupID[g.ID] = g
		if g.domain != "" {
			r.byDomain[g.domain] = append(r.byDomain[g.domain], g)
		}
		for j := range g.Attributes {
			attr := &g.Attributes[j]
			if attr.ID != "" && attr.Ref == "" {
				r.byAttrID[attr.ID] = attr
			}
		}
	}

	for i := range r.groups {
		for j := range r.groups[i].Attributes {
			attr := &r.groups[i].Attributes[j]
			if attr.Ref == "" {
				continue
			}
			resolveRef(attr, r.byAttrID)
		}
	}

	return r
}

// resolveRef fills a ref attribute from its definition. Type, Stability,
// Examples, and Deprecated come from the definition; the ref's own Brief
// and Note win when non-empty; RequirementLevel always comes from the ref.
func resolveRef(attr *Attribute, index map[string]*Attribute) {
	def, ok := index[attr.Ref]
	if !ok {
		// Unresolved ref: keep the id so lookups still work.
		attr.ID = attr.Ref
		return
	}

	attr.ID = def.ID
	attr.Type = def.Type
	attr.Stability = def.Stability
	attr.Examples = def.Examples
	attr.Deprecated = def.Deprecated

	if attr.Brief == "" {
		attr.Brief = def.Brief
	}
	if attr.Note == "" {
		attr.Note = def.Note
	}
}

// underDeprecatedDir reports whether path has a "deprecated" directory
// component.
func underDeprecatedDir(path string) bool {
	for part := range strings.SplitSeq(filepath.ToSlash(path), "/") {
		if part == "deprecated" {
			return true
		}
	}
	return false
}

// domainOf returns the first directory component of path, or "" for
// top-level files.
func domainOf(path string) string {
	parts := strings.SplitN(filepath.ToSlash(path), "/", 2)
	if len(parts) > 1 {
		return parts[0]
	}
	return ""
}
