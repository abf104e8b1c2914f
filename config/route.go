package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrShowSelector means the URL does not name a usable circuit and the user
// has to pick one
var ErrShowSelector = errors.New("no circuit selected")

// SelectorError carries whatever the URL did specify, so a selector can be
// prefilled with it
type SelectorError struct {
	Partial CircuitConfig
	Reason  string
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("%s: %s", ErrShowSelector, e.Reason)
}

func (e *SelectorError) Unwrap() error {
	return ErrShowSelector
}

// SimModelLookup returns the simulation model last chosen for a circuit path
type SimModelLookup interface {
	SimModel(path string) string
}

var routeRe = regexp.MustCompile(`/(simulations|circuits)/([a-z0-9_-]*)/?`)

// Resolve picks the circuit a viewer URL refers to. A URL is either
// /circuits/<url_name> or /simulations/<url_name> naming a registry entry, or
// the same prefix with name, path and simModel query parameters describing a
// custom circuit. A custom circuit without simModel takes the model preferred
// for its path, when prefs knows one.
func (c *Config) Resolve(rawURL string, prefs SimModelLookup) (CircuitConfig, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CircuitConfig{}, &SelectorError{Reason: err.Error()}
	}

	m := routeRe.FindStringSubmatch(u.Path)
	if m == nil {
		return CircuitConfig{}, &SelectorError{Reason: fmt.Sprintf("path %q is not a circuit route", u.Path)}
	}
	typ := strings.TrimSuffix(m[1], "s")
	urlName := m[2]

	q := u.Query()
	name, path, simModel := q.Get("name"), q.Get("path"), q.Get("simModel")
	if path != "" && simModel == "" && prefs != nil {
		simModel = prefs.SimModel(path)
	}

	custom := CircuitConfig{
		Name:     name,
		URLName:  url.PathEscape(name),
		Type:     typ,
		Path:     path,
		SimModel: simModel,
		Custom:   true,
	}
	if name != "" && path != "" && simModel != "" {
		return custom, nil
	}

	for _, circuit := range c.Circuits {
		if circuit.URLName == urlName && circuit.Type == typ {
			return circuit, nil
		}
	}
	return CircuitConfig{}, &SelectorError{
		Partial: custom,
		Reason:  fmt.Sprintf("no %s named %q", typ, urlName),
	}
}

// Initial returns the circuit to open first: the configured single circuit,
// or the one rawURL resolves to
func (c *Config) Initial(rawURL string, prefs SimModelLookup) (CircuitConfig, error) {
	if c.SingleCircuit != "" {
		circuit, ok := c.Circuit(c.SingleCircuit)
		if !ok {
			return CircuitConfig{}, fmt.Errorf("single circuit %q is not in the registry", c.SingleCircuit)
		}
		return circuit, nil
	}
	return c.Resolve(rawURL, prefs)
}

// Route returns the URL path and query that Resolve maps back to circuit
func Route(circuit CircuitConfig) string {
	if !circuit.Custom {
		return fmt.Sprintf("/%ss/%s", circuit.Type, circuit.URLName)
	}
	q := url.Values{}
	q.Set("name", circuit.Name)
	q.Set("path", circuit.Path)
	if circuit.SimModel != "" {
		q.Set("simModel", circuit.SimModel)
	}
	return fmt.Sprintf("/%ss/?%s", circuit.Type, q.Encode())
}
