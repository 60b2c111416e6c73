// Package groups detects functional clusters of interactive elements so
// an operator can bind a whole form or toolbar in one gesture instead of
// element by element.
//
// Detection runs in two phases over a scan registry. Phase one assigns
// each element a functional role from its kind and surroundings; phase
// two clusters elements that share a nearby container ancestor, then
// types and scores each cluster. The heuristic is deliberately
// conservative: everything it reports is derived from counts and tag
// names, and identical input always produces identical output in
// identical order.
package groups

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/vireolabs/hookmark/domtree"
	"github.com/vireolabs/hookmark/scanner"
	"github.com/vireolabs/hookmark/signature"
)

// GroupType classifies what a cluster is for.
type GroupType string

const (
	GroupForm       GroupType = "form"
	GroupWorkflow   GroupType = "workflow"
	GroupNavigation GroupType = "navigation"
	GroupActionSet  GroupType = "action-set"
	GroupDataEntry  GroupType = "data-entry"
	GroupCustom     GroupType = "custom"
)

// Role is the functional role of one element inside a cluster.
type Role string

const (
	RoleSubmitTrigger Role = "submit-trigger"
	RoleInputField    Role = "input-field"
	RoleNavLink       Role = "nav-link"
	RoleActionButton  Role = "action-button"
	RoleToggle        Role = "toggle"
	RoleDataCell      Role = "data-cell"
)

// Member is one element of a detected group.
type Member struct {
	Signature string `json:"signature"`
	Role      Role   `json:"role"`
	Label     string `json:"label,omitempty"`
}

// Group is one detected cluster. Confidence is always within [0, 1];
// a cluster typed as a form never scores below 0.6. Low-confidence
// clusters are reported too, ranked last, so the operator decides.
type Group struct {
	ID            string    `json:"id"`
	Type          GroupType `json:"type"`
	Label         string    `json:"label,omitempty"`
	Description   string    `json:"description,omitempty"`
	Confidence    float64   `json:"confidence"`
	ContainerPath string    `json:"container_path"`
	Members       []Member  `json:"members"`

	// SuggestedFlow orders the member labels of a workflow cluster
	// into the sequence the page presents them in.
	SuggestedFlow []string `json:"suggested_flow,omitempty"`
}

// Config tunes the heuristic.
type Config struct {
	// MaxAncestorDistance bounds how far up an element looks for its
	// cluster container. Elements whose nearest container is further
	// away stay ungrouped.
	MaxAncestorDistance int `json:"max_ancestor_distance" yaml:"max_ancestor_distance"`

	// MinGroupSize drops clusters smaller than this.
	MinGroupSize int `json:"min_group_size" yaml:"min_group_size"`
}

func (c *Config) applyDefaults() {
	if c.MaxAncestorDistance <= 0 {
		c.MaxAncestorDistance = 4
	}
	if c.MinGroupSize <= 0 {
		c.MinGroupSize = 2
	}
}

// Detector runs the group heuristic.
type Detector struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Detector.
func New(cfg Config, logger *slog.Logger) *Detector {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, logger: logger}
}

type memberInfo struct {
	el    scanner.ScannedElement
	role  Role
	depth int // distance to the container, 1 = direct child
	order int // registry document order
}

// Detect clusters the registry's elements. Invalid input (nil document
// or an empty registry) yields an empty result, never an error; the
// error return is reserved for genuine internal failures.
func (d *Detector) Detect(doc *domtree.Document, eng *signature.Engine, reg *scanner.Registry) ([]Group, error) {
	if doc == nil || eng == nil || reg == nil || reg.Len() == 0 {
		d.logger.Debug("groups: nothing to detect", "registry_empty", reg == nil || reg.Len() == 0)
		return nil, nil
	}

	orderIdx := make(map[string]int, reg.Len())
	for i, sig := range reg.Order() {
		orderIdx[sig] = i
	}

	clusters := make(map[*html.Node][]memberInfo)
	var containers []*html.Node

	doc.Walk(func(n *html.Node) {
		if isContainerNode(n) {
			return // containers cluster their children, they are not members
		}
		sig := eng.Of(n)
		el, ok := reg.Get(sig)
		if !ok {
			return
		}
		idx, ok := orderIdx[sig]
		if !ok {
			return
		}
		container, depth := containerOf(n, d.cfg.MaxAncestorDistance)
		if container == nil {
			return
		}
		if _, seen := clusters[container]; !seen {
			containers = append(containers, container)
		}
		clusters[container] = append(clusters[container], memberInfo{
			el:    el,
			role:  roleOf(n, el),
			depth: depth,
			order: idx,
		})
	})

	var out []Group
	for _, container := range containers {
		members := clusters[container]
		if len(members) < d.cfg.MinGroupSize {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].order < members[j].order })

		gt, strength := classifyCluster(container, members)

		g := Group{
			ID:            groupID(container),
			Type:          gt,
			Label:         containerLabel(container),
			Description:   describeCluster(members),
			Confidence:    d.score(gt, strength, members),
			ContainerPath: domtree.Path(container),
		}
		for _, m := range members {
			g.Members = append(g.Members, Member{
				Signature: m.el.Signature,
				Role:      m.role,
				Label:     m.el.Label,
			})
			if gt == GroupWorkflow && m.el.Label != "" {
				g.SuggestedFlow = append(g.SuggestedFlow, m.el.Label)
			}
		}
		out = append(out, g)
	}

	// Confidence first, then document order of the first member, so
	// equal inputs always list groups identically.
	firstOrder := func(g Group) int { return orderIdx[g.Members[0].Signature] }
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return firstOrder(out[i]) < firstOrder(out[j])
	})

	d.logger.Debug("groups: detected", "groups", len(out), "elements", reg.Len())
	return out, nil
}

// score blends the rule strength with how uniform and how tightly
// packed the cluster is. Forms are floored at 0.6: a container with
// fields and a submit trigger is a form, whatever else it carries.
func (d *Detector) score(gt GroupType, strength float64, members []memberInfo) float64 {
	counts := make(map[Role]int)
	depthSum := 0
	for _, m := range members {
		counts[m.role]++
		depthSum += m.depth
	}
	dominant := 0
	for _, c := range counts {
		if c > dominant {
			dominant = c
		}
	}
	homogeneity := float64(dominant) / float64(len(members))

	avgDepth := float64(depthSum) / float64(len(members))
	tightness := 1 - (avgDepth-1)/float64(d.cfg.MaxAncestorDistance)
	if tightness < 0 {
		tightness = 0
	}

	conf := 0.5*strength + 0.3*homogeneity + 0.2*tightness
	if gt == GroupForm && conf < 0.6 {
		conf = 0.6
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// classifyCluster types a cluster from its role mix and container tag.
func classifyCluster(container *html.Node, members []memberInfo) (GroupType, float64) {
	var (
		n       = len(members)
		submits int
		inputs  int
		toggles int
		navs    int
		actions int
		cells   int
	)
	for _, m := range members {
		switch m.role {
		case RoleSubmitTrigger:
			submits++
		case RoleInputField:
			inputs++
		case RoleToggle:
			toggles++
		case RoleNavLink:
			navs++
		case RoleActionButton:
			actions++
		case RoleDataCell:
			cells++
		}
	}
	tag := domtree.Tag(container)
	fields := inputs + toggles

	switch {
	case tag == "form" || tag == "fieldset":
		return GroupForm, 0.9
	case fields > 0 && submits > 0:
		return GroupForm, 0.85
	case tag == "nav" || navs == n:
		return GroupNavigation, 0.8
	case navs*2 > n:
		return GroupNavigation, 0.6
	case fields >= 2 && submits == 0 && actions == 0:
		return GroupDataEntry, 0.65
	case cells*2 > n:
		return GroupDataEntry, 0.55
	case submits > 0 && actions > 0 && fields == 0:
		return GroupWorkflow, 0.55
	case actions+submits >= 2 && fields == 0:
		return GroupActionSet, 0.6
	default:
		return GroupCustom, 0.35
	}
}

// groupID derives a stable id from the container position.
func groupID(container *html.Node) string {
	sum := sha256.Sum256([]byte(domtree.Path(container)))
	return fmt.Sprintf("grp_%x", sum[:8])
}

var roleNouns = map[Role]string{
	RoleSubmitTrigger: "submit trigger",
	RoleInputField:    "input field",
	RoleNavLink:       "navigation link",
	RoleActionButton:  "action button",
	RoleToggle:        "toggle",
	RoleDataCell:      "table action",
}

// describeCluster summarizes the role mix, e.g. "3 input fields, 1
// submit trigger".
func describeCluster(members []memberInfo) string {
	counts := make(map[Role]int)
	for _, m := range members {
		counts[m.role]++
	}
	var parts []string
	for _, r := range []Role{
		RoleInputField, RoleToggle, RoleSubmitTrigger,
		RoleActionButton, RoleNavLink, RoleDataCell,
	} {
		n := counts[r]
		if n == 0 {
			continue
		}
		noun := roleNouns[r]
		if n > 1 {
			noun += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, noun))
	}
	return strings.Join(parts, ", ")
}
