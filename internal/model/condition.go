package model

import (
	"fmt"
	"time"
)

type ConditionKind string

const (
	ConditionIn   ConditionKind = "I"
	ConditionDrop ConditionKind = "D"
)

// Condition identifies a server-side screen by its (index, name) pair.
type Condition struct {
	Index int    `json:"index" yaml:"index" db:"cond_index"`
	Name  string `json:"name" yaml:"name" db:"cond_name"`
}

func (c Condition) IsZero() bool {
	return c.Name == ""
}

func (c Condition) String() string {
	return fmt.Sprintf("%03d^%s", c.Index, c.Name)
}

type ConditionEvent struct {
	Symbol    string        `json:"symbol"`
	Kind      ConditionKind `json:"kind"`
	Condition Condition     `json:"condition"`
	Time      time.Time     `json:"time"`
}
