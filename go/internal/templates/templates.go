// Package templates stores reusable room setups (the usual pizzas, prices and
// drinks of a group) as a YAML file.
package templates

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/mcdev12/pizzaday/go/internal/ledger"
	"github.com/mcdev12/pizzaday/go/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Get for an unknown template name.
var ErrNotFound = errors.New("template not found")

// Item is one item of a template. Price is in cents.
type Item struct {
	Label string `yaml:"label"`
	Units int    `yaml:"units"`
	Price int64  `yaml:"price_cents"`
}

// AddOn is one add-on of a template.
type AddOn struct {
	Label    string `yaml:"label"`
	Quantity int    `yaml:"quantity"`
	Price    int64  `yaml:"price_cents"`
}

// Template is a named room setup.
type Template struct {
	Name              string                `yaml:"name"`
	Division          models.DivisionPolicy `yaml:"division"`
	Items             []Item                `yaml:"items"`
	AddOns            []AddOn               `yaml:"add_ons,omitempty"`
	AllowGuestRemoval bool                  `yaml:"allow_guest_removal"`
	ShowQRCode        bool                  `yaml:"show_qr_code"`
	AutoCalculate     bool                  `yaml:"auto_calculate"`
}

// Settings returns the settings a room created from t starts with.
func (t Template) Settings() models.Settings {
	s := models.Settings{
		Division:          t.Division,
		AllowGuestRemoval: t.AllowGuestRemoval,
		ShowQRCode:        t.ShowQRCode,
		AutoCalculate:     t.AutoCalculate,
	}
	if s.Division == "" {
		s.Division = models.DivisionByConsumption
	}
	for _, item := range t.Items {
		s.Items = append(s.Items, ledger.Item{Label: item.Label, Units: item.Units, PriceCents: item.Price})
	}
	for _, a := range t.AddOns {
		s.AddOns = append(s.AddOns, models.AddOn{Label: a.Label, Quantity: a.Quantity, PriceCents: a.Price})
	}
	return s
}

// FromSettings captures the setup of s under name. Allocations and
// timestamps are not part of a template.
func FromSettings(name string, s models.Settings) Template {
	t := Template{
		Name:              name,
		Division:          s.Division,
		AllowGuestRemoval: s.AllowGuestRemoval,
		ShowQRCode:        s.ShowQRCode,
		AutoCalculate:     s.AutoCalculate,
	}
	for _, item := range s.Items {
		t.Items = append(t.Items, Item{Label: item.Label, Units: item.Units, Price: item.PriceCents})
	}
	for _, a := range s.AddOns {
		t.AddOns = append(t.AddOns, AddOn{Label: a.Label, Quantity: a.Quantity, Price: a.PriceCents})
	}
	return t
}

type file struct {
	Templates []Template `yaml:"templates"`
}

// Library is a set of templates keyed by name.
type Library struct {
	byName map[string]Template
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{byName: make(map[string]Template)}
}

// Parse decodes a templates document. Every template must produce valid
// settings.
func Parse(data []byte) (*Library, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	lib := NewLibrary()
	for i, t := range f.Templates {
		if err := lib.Put(t); err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
	}
	return lib, nil
}

// Load reads a templates file. A missing file is an empty library.
func Load(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewLibrary(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	return Parse(data)
}

// Put adds or replaces a template.
func (l *Library) Put(t Template) error {
	if t.Name == "" {
		return errors.New("template name is required")
	}
	if err := t.Settings().Validate(); err != nil {
		return fmt.Errorf("template %q: %w", t.Name, err)
	}
	l.byName[t.Name] = t
	return nil
}

// Get returns the template called name.
func (l *Library) Get(name string) (Template, error) {
	t, ok := l.byName[name]
	if !ok {
		return Template{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return t, nil
}

// Names returns the template names in order.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.byName))
	for name := range l.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes the library with templates ordered by name.
func (l *Library) Marshal() ([]byte, error) {
	var f file
	for _, name := range l.Names() {
		f.Templates = append(f.Templates, l.byName[name])
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode templates: %w", err)
	}
	return data, nil
}

// Save writes the library to path.
func (l *Library) Save(path string) error {
	data, err := l.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write templates file: %w", err)
	}
	return nil
}
