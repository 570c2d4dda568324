// Package catalog is a file-backed product catalog. It resolves products,
// their enrollment forms and customer display names.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/christopherjohns/consultsync/internal/enrollment"
)

var (
	ErrProductNotFound  = errors.New("catalog: product not found")
	ErrCustomerNotFound = errors.New("catalog: customer not found")
)

// ProductEntry is one product in the catalog file. Forms are form ids
// resolved against the file's form library and the default form set.
type ProductEntry struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Type  string   `yaml:"type"`
	Forms []string `yaml:"forms"`
}

// CustomerEntry is one customer in the catalog file.
type CustomerEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// File is the catalog document.
type File struct {
	Forms     []enrollment.FormDescriptor `yaml:"forms"`
	Products  []ProductEntry              `yaml:"products"`
	TypeForms map[string][]string         `yaml:"typeForms"`
	Customers []CustomerEntry             `yaml:"customers"`
}

// Catalog is an immutable in-memory view of a File.
type Catalog struct {
	forms     map[string]enrollment.FormDescriptor
	products  map[string]ProductEntry
	typeForms map[string][]string
	customers map[string]string
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("catalog: loaded", "path", path, "products", len(c.products), "forms", len(c.forms))
	return c, nil
}

// Parse decodes a catalog document. Product ids are normalized, and every
// referenced form must exist.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		forms:     make(map[string]enrollment.FormDescriptor),
		products:  make(map[string]ProductEntry, len(f.Products)),
		typeForms: make(map[string][]string, len(f.TypeForms)),
		customers: make(map[string]string, len(f.Customers)),
	}
	for _, form := range enrollment.DefaultForms() {
		c.forms[form.FormID] = form
	}
	for i, form := range f.Forms {
		if form.FormID == "" {
			return nil, fmt.Errorf("parse catalog: form %d has no formId", i)
		}
		c.forms[form.FormID] = form
	}

	for i, p := range f.Products {
		p.ID = enrollment.NormalizeProductID(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("parse catalog: product %d has no id", i)
		}
		if err := c.checkForms(p.Forms); err != nil {
			return nil, fmt.Errorf("parse catalog: product %s: %w", p.ID, err)
		}
		c.products[p.ID] = p
	}
	for kind, ids := range f.TypeForms {
		if err := c.checkForms(ids); err != nil {
			return nil, fmt.Errorf("parse catalog: type %s: %w", kind, err)
		}
		c.typeForms[kind] = ids
	}
	for _, cu := range f.Customers {
		c.customers[cu.ID] = cu.Name
	}
	return c, nil
}

func (c *Catalog) checkForms(ids []string) error {
	for _, id := range ids {
		if _, ok := c.forms[id]; !ok {
			return fmt.Errorf("unknown form %q", id)
		}
	}
	return nil
}

// Product returns the product with the given id. Bare numeric ids are
// accepted.
func (c *Catalog) Product(_ context.Context, productID string) (enrollment.Product, error) {
	p, ok := c.products[enrollment.NormalizeProductID(productID)]
	if !ok {
		return enrollment.Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return enrollment.Product{ID: p.ID, Name: p.Name, Type: p.Type}, nil
}

// Forms returns the product's forms, or the forms configured for its type
// when the product lists none.
func (c *Catalog) Forms(_ context.Context, productID, productType string) ([]enrollment.FormDescriptor, error) {
	p, ok := c.products[enrollment.NormalizeProductID(productID)]
	ids := p.Forms
	if len(ids) == 0 {
		kind := productType
		if kind == "" {
			kind = p.Type
		}
		ids = c.typeForms[strings.TrimSpace(kind)]
	}
	if !ok && len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}

	out := make([]enrollment.FormDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.forms[id])
	}
	return enrollment.CloneForms(out), nil
}

// CustomerName returns the display name of a customer.
func (c *Catalog) CustomerName(_ context.Context, customerID string) (string, error) {
	name, ok := c.customers[customerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCustomerNotFound, customerID)
	}
	return name, nil
}

// Len returns the number of products.
func (c *Catalog) Len() int { return len(c.products) }
