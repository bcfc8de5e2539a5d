package clocksync

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Webhook routes, as configured under [webhooks.<route>].
const (
	RouteEntries    = "entries"
	RouteTimesheets = "timesheets"
	RouteTimeOff    = "timeoff"
	RouteEmployees  = "employees"
	RouteProjects   = "projects"
	RouteExpenses   = "expenses"
)

type eventRule struct {
	op     Operation
	status string
}

var webhookRoutes = map[string]EntityKind{
	RouteEntries:    KindEntry,
	RouteTimesheets: KindTimesheet,
	RouteTimeOff:    KindTimeOff,
	RouteEmployees:  KindEmployee,
	RouteProjects:   KindProject,
	RouteExpenses:   KindExpense,
}

var eventRules = map[string]map[string]eventRule{
	RouteEntries: {
		"create": {op: OpUpsert},
		"update": {op: OpUpsert},
		"delete": {op: OpDelete},
	},
	RouteTimesheets: {
		"create": {op: OpUpsert},
		"update": {op: OpUpsert},
	},
	RouteTimeOff: {
		"create":   {op: OpUpsert},
		"update":   {op: OpUpsert},
		"withdraw": {op: OpDelete},
		"reject":   {op: OpDelete},
	},
	RouteEmployees: {
		"insert":     {op: OpUpsert, status: EmployeeActive},
		"update":     {op: OpUpsert, status: EmployeeActive},
		"activate":   {op: OpUpsert, status: EmployeeActive},
		"deactivate": {op: OpUpsert, status: EmployeeInactive},
	},
	RouteProjects: {
		"create": {op: OpUpsert},
		"update": {op: OpUpsert},
	},
	RouteExpenses: {
		"create": {op: OpUpsert},
		"update": {op: OpUpsert},
		"delete": {op: OpDelete},
	},
}

// TokenTable maps route → event label → shared secret.
type TokenTable map[string]map[string]string

func WebhookKind(route string) (EntityKind, bool) {
	kind, ok := webhookRoutes[route]
	return kind, ok
}

func WebhookRoutes() []string {
	out := make([]string, 0, len(webhookRoutes))
	for route := range webhookRoutes {
		out = append(out, route)
	}
	sort.Strings(out)
	return out
}

type Classification struct {
	Route     string
	Kind      EntityKind
	Label     string
	Operation Operation
	// Status is injected into the payload before mapping when set.
	Status string
}

type tokenEntry struct {
	token []byte
	label string
}

// Classifier resolves a webhook token to the event it authorizes. The token
// table can be swapped at runtime.
type Classifier struct {
	mu      sync.RWMutex
	byRoute map[string][]tokenEntry
}

func NewClassifier(table TokenTable) (*Classifier, error) {
	c := &Classifier{}
	if err := c.Replace(table); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace validates table and installs it. On error the current table stays.
func (c *Classifier) Replace(table TokenTable) error {
	byRoute := map[string][]tokenEntry{}
	for route, labels := range table {
		rules, ok := eventRules[route]
		if !ok {
			return fmt.Errorf("%w: unknown webhook route %q", ErrInvalidInput, route)
		}
		for label, token := range labels {
			label = strings.ToLower(strings.TrimSpace(label))
			if _, ok := rules[label]; !ok {
				return fmt.Errorf("%w: unknown event %q for route %s", ErrInvalidInput, label, route)
			}
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			byRoute[route] = append(byRoute[route], tokenEntry{token: []byte(token), label: label})
		}
	}
	c.mu.Lock()
	c.byRoute = byRoute
	c.mu.Unlock()
	return nil
}

// Classify returns ErrUnauthorized for a token that is not configured for
// the route.
func (c *Classifier) Classify(route, token string) (Classification, error) {
	kind, ok := webhookRoutes[route]
	if !ok {
		return Classification{}, fmt.Errorf("%w: unknown webhook route %q", ErrInvalidInput, route)
	}
	if token == "" {
		return Classification{}, ErrUnauthorized
	}
	c.mu.RLock()
	entries := c.byRoute[route]
	c.mu.RUnlock()

	presented := []byte(token)
	label := ""
	for _, entry := range entries {
		if subtle.ConstantTimeCompare(entry.token, presented) == 1 {
			label = entry.label
		}
	}
	if label == "" {
		return Classification{}, ErrUnauthorized
	}
	rule := eventRules[route][label]
	return Classification{
		Route:     route,
		Kind:      kind,
		Label:     label,
		Operation: rule.op,
		Status:    rule.status,
	}, nil
}
