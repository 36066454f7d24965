package mas

import (
	"github.com/masworks/chorus/pkg/protocol"
)

// orgProvider is implemented by proxy behaviours that contribute a remote
// subtree instead of local permitted callees.
type orgProvider interface {
	Organization() []any
}

// Organization returns the component tree rooted at the app node, computed
// at Init. Remote subtrees carry is_remote flags.
func (m *MAS) Organization() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.org
}

// OrganizationNode looks up one tree node by component name.
func (m *MAS) OrganizationNode(name string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.orgIndex[name]
	return node, ok
}

func (m *MAS) buildOrganization() (map[string]any, map[string]map[string]any) {
	index := map[string]map[string]any{}
	root := map[string]any{"name": m.name, "type": "app"}
	if m.master != "" {
		root["children"] = []any{m.orgNode(m.master, map[string]bool{}, index)}
	}
	return root, index
}

// orgNode renders one component and its permitted callees. The path set
// breaks cycles; the first rendering of a name wins the index slot.
func (m *MAS) orgNode(name string, path map[string]bool, index map[string]map[string]any) map[string]any {
	c, ok := m.reg.Get(name)
	if !ok {
		return map[string]any{"name": name, "type": "unknown"}
	}
	node := map[string]any{"name": name, "type": string(c.Kind())}
	if _, seen := index[name]; !seen {
		index[name] = node
	}

	if p, ok := c.Behaviour().(orgProvider); ok {
		if children := p.Organization(); len(children) > 0 {
			node["children"] = children
			indexRemote(children, index)
		}
		return node
	}

	if path[name] {
		return node
	}
	path[name] = true
	defer delete(path, name)

	var children []any
	for _, callee := range c.PermittedCallees() {
		if callee == protocol.RetrieveToolsName {
			continue
		}
		children = append(children, m.orgNode(callee, path, index))
	}
	if len(children) > 0 {
		node["children"] = children
	}
	return node
}

func indexRemote(children []any, index map[string]map[string]any) {
	for _, item := range children {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := node["name"].(string); ok {
			if _, seen := index[name]; !seen {
				index[name] = node
			}
		}
		if sub, ok := node["children"].([]any); ok {
			indexRemote(sub, index)
		}
	}
}
