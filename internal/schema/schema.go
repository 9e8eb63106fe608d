// Package schema declares the shape of the reference cache tables as data
// and derives a version number from it.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// hashDomain separates schema hashes from any other sha256 use.
const hashDomain = "possync.schema.v1\x00"

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Table describes one bulk-replaceable cache table.
type Table struct {
	// Name is the logical table name; the physical table is cache_<Name>.
	Name string `json:"name"`

	// KeyPath is the document field holding the natural business key.
	KeyPath string `json:"key_path"`

	// Indexes lists document fields exposed as generated columns and indexed.
	Indexes []string `json:"indexes,omitempty"`
}

// Definition is the full set of declared cache tables.
type Definition struct {
	Tables []Table `json:"tables"`
}

// Default returns the cache tables used by the terminal.
func Default() Definition {
	return Definition{Tables: []Table{
		{Name: "items", KeyPath: "item_code", Indexes: []string{"item_group", "item_name", "barcode"}},
		{Name: "customers", KeyPath: "name", Indexes: []string{"customer_name", "mobile_no"}},
		{Name: "prices", KeyPath: "name", Indexes: []string{"item_code", "price_list"}},
		{Name: "stock", KeyPath: "name", Indexes: []string{"item_code", "warehouse"}},
		{Name: "payment_methods", KeyPath: "mode_of_payment", Indexes: []string{"type"}},
	}}
}

// Validate checks that every name is a safe SQL identifier and unique.
func (d Definition) Validate() error {
	if len(d.Tables) == 0 {
		return fmt.Errorf("schema declares no tables")
	}
	seen := make(map[string]bool, len(d.Tables))
	for _, t := range d.Tables {
		if !identRe.MatchString(t.Name) {
			return fmt.Errorf("invalid table name %q", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if !identRe.MatchString(t.KeyPath) {
			return fmt.Errorf("table %s: invalid key path %q", t.Name, t.KeyPath)
		}
		fields := make(map[string]bool, len(t.Indexes))
		for _, f := range t.Indexes {
			if !identRe.MatchString(f) {
				return fmt.Errorf("table %s: invalid index field %q", t.Name, f)
			}
			if fields[f] {
				return fmt.Errorf("table %s: duplicate index field %q", t.Name, f)
			}
			fields[f] = true
		}
	}
	return nil
}

// Table looks up a table by logical name.
func (d Definition) Table(name string) (Table, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Names returns the logical table names in declaration order.
func (d Definition) Names() []string {
	names := make([]string, len(d.Tables))
	for i, t := range d.Tables {
		names[i] = t.Name
	}
	return names
}

// Hash returns a hex sha256 over the canonical form of d. Declaration order
// of tables and index fields does not affect the result.
func (d Definition) Hash() string {
	canon := d.canonical()
	data, err := json.Marshal(canon)
	if err != nil {
		// Definition holds only strings; Marshal cannot fail.
		panic(fmt.Sprintf("schema: marshal definition: %v", err))
	}
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (d Definition) canonical() Definition {
	tables := make([]Table, len(d.Tables))
	for i, t := range d.Tables {
		idx := append([]string(nil), t.Indexes...)
		sort.Strings(idx)
		tables[i] = Table{Name: t.Name, KeyPath: t.KeyPath, Indexes: idx}
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return Definition{Tables: tables}
}
