package fulfillment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

var ErrUnknownCourse = errors.New("order does not map to a known course")

type Course struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Catalog maps what a payment tells us (metadata course id, order id, product name, amount)
// to the course to grant.
type Catalog struct {
	Courses       []Course          `json:"courses"`
	Products      map[string]string `json:"products"`
	Amounts       map[int64]string  `json:"amounts"`
	OrderPrefixes map[string]string `json:"orderPrefixes"`

	byID map[string]Course
}

// DefaultCatalog is the current course line-up.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Courses: []Course{
			{ID: "ai-building-course", Name: "AI 건물주 되기"},
			{ID: "chatgpt-agent-beginner", Name: "AI 에이전트 비기너"},
		},
		Products: map[string]string{
			"Step 1: AI 건물주 되기 기초":        "ai-building-course",
			"Step 1: AI 건물주 되기 기초 (얼리버드)": "ai-building-course",
			"AI 건물주 되기":                   "ai-building-course",
			"Google Opal 유튜브 수익화 에이전트 기초": "chatgpt-agent-beginner",
			"AI 에이전트 비기너":                 "chatgpt-agent-beginner",
		},
		Amounts: map[int64]string{
			45000: "ai-building-course",
			95000: "chatgpt-agent-beginner",
		},
		OrderPrefixes: map[string]string{},
	}
	c.index()
	return c
}

// LoadCatalog reads a JSON catalog. An empty path returns DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read course catalog: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse course catalog: %w", err)
	}
	if len(c.Courses) == 0 {
		return nil, errors.New("course catalog has no courses")
	}
	c.index()
	for product, id := range c.Products {
		if _, ok := c.byID[id]; !ok {
			return nil, fmt.Errorf("course catalog: product %q points at unknown course %q", product, id)
		}
	}
	for amount, id := range c.Amounts {
		if _, ok := c.byID[id]; !ok {
			return nil, fmt.Errorf("course catalog: amount %d points at unknown course %q", amount, id)
		}
	}
	return &c, nil
}

func (c *Catalog) index() {
	c.byID = make(map[string]Course, len(c.Courses))
	for _, course := range c.Courses {
		c.byID[course.ID] = course
	}
}

func (c *Catalog) Course(id string) (Course, bool) {
	course, ok := c.byID[id]
	return course, ok
}

// Resolve picks the course in priority order: explicit metadata course id, order id prefix,
// product name, then amount. source names the rule that matched.
func (c *Catalog) Resolve(metadataCourseID, orderID, orderName string, amount int64) (course Course, source string, err error) {
	if id := strings.TrimSpace(metadataCourseID); id != "" {
		if course, ok := c.byID[id]; ok {
			return course, "metadata", nil
		}
	}

	prefixes := make([]string, 0, len(c.OrderPrefixes))
	for p := range c.OrderPrefixes {
		prefixes = append(prefixes, p)
	}
	// longest prefix first so "ai_pro_" beats "ai_"; ties keep lexical order
	sort.Strings(prefixes)
	sort.SliceStable(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(orderID, p) {
			if course, ok := c.byID[c.OrderPrefixes[p]]; ok {
				return course, "orderPrefix", nil
			}
		}
	}

	if id, ok := c.Products[strings.TrimSpace(orderName)]; ok {
		if course, ok := c.byID[id]; ok {
			return course, "product", nil
		}
	}
	if id, ok := c.Amounts[amount]; ok {
		if course, ok := c.byID[id]; ok {
			return course, "amount", nil
		}
	}
	return Course{}, "", fmt.Errorf("%w: order %s (%q, %d)", ErrUnknownCourse, orderID, orderName, amount)
}
