package storage

import (
	"fmt"
	"strings"
)

// Check is one clause of a Condition: the named attribute must either be absent or equal Value.
type Check struct {
	Attr   string
	Absent bool
	Value  Value
}

// Condition guards a conditional write. All clauses must hold. A nil *Condition always holds.
type Condition struct {
	// ItemAbsent requires that there is no item at the key at all.
	ItemAbsent bool
	Checks     []Check
}

// IfAbsent is the condition that no item exists.
func IfAbsent() *Condition {
	return &Condition{ItemAbsent: true}
}

// When starts an empty condition for chaining.
func When() *Condition {
	return &Condition{}
}

// AttrEquals adds the clause attr == v. An absent item never satisfies it.
func (c *Condition) AttrEquals(attr string, v Value) *Condition {
	c.Checks = append(c.Checks, Check{Attr: attr, Value: v})
	return c
}

// AttrAbsent adds the clause that attr is not set. An absent item satisfies it.
func (c *Condition) AttrAbsent(attr string) *Condition {
	c.Checks = append(c.Checks, Check{Attr: attr, Absent: true})
	return c
}

// Holds evaluates c against current, which is nil when no item exists.
func (c *Condition) Holds(current Item) bool {
	if c == nil {
		return true
	}
	if c.ItemAbsent && current != nil {
		return false
	}
	for _, check := range c.Checks {
		v, ok := current[check.Attr]
		if check.Absent {
			if ok {
				return false
			}
			continue
		}
		if !ok || !v.Equal(check.Value) {
			return false
		}
	}
	return true
}

func (c *Condition) String() string {
	if c == nil {
		return "true"
	}
	var clauses []string
	if c.ItemAbsent {
		clauses = append(clauses, "item_not_exists")
	}
	for _, check := range c.Checks {
		if check.Absent {
			clauses = append(clauses, fmt.Sprintf("attribute_not_exists(%s)", check.Attr))
		} else {
			clauses = append(clauses, fmt.Sprintf("%s = %s", check.Attr, check.Value))
		}
	}
	if len(clauses) == 0 {
		return "true"
	}
	return strings.Join(clauses, " AND ")
}
