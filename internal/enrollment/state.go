package enrollment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingProductID is returned by Start when no product id is given.
var ErrMissingProductID = errors.New("enrollment: missing product id")

// Phase is the lifecycle position of an enrollment.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
)

// Direction moves the form cursor.
type Direction int

const (
	Next Direction = iota + 1
	Prev
)

func (d Direction) String() string {
	switch d {
	case Next:
		return "next"
	case Prev:
		return "prev"
	}
	return "unknown"
}

// ParseDirection accepts next/prev and a few client spellings.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "next", "forward":
		return Next, nil
	case "prev", "previous", "back":
		return Prev, nil
	}
	return 0, fmt.Errorf("enrollment: unknown direction %q", s)
}

// Product identifies what is being enrolled.
type Product struct {
	ID         string
	Name       string
	Type       string
	CustomerID string
}

// State is the shared "which form, which step" cursor of a session. It is a
// value: transitions return a new State and never modify the receiver's
// form list.
type State struct {
	ProductID        string           `json:"productId"`
	ProductName      string           `json:"productName"`
	ProductType      string           `json:"productType"`
	CustomerID       string           `json:"customerId,omitempty"`
	Forms            []FormDescriptor `json:"forms"`
	CurrentFormIndex int              `json:"currentFormIndex"`
	Phase            Phase            `json:"phase"`
	Fallback         bool             `json:"fallback"`
	StartedAt        time.Time        `json:"startedAt"`
	CompletedAt      time.Time        `json:"completedAt,omitzero"`
}

// Start begins an enrollment at the first form. An empty form list is
// replaced with DefaultForms so the customer never sees an empty screen.
func Start(p Product, forms []FormDescriptor, now time.Time) (State, error) {
	if strings.TrimSpace(p.ID) == "" {
		return State{}, ErrMissingProductID
	}
	s := State{
		ProductID:   p.ID,
		ProductName: p.Name,
		ProductType: p.Type,
		CustomerID:  p.CustomerID,
		Forms:       CloneForms(forms),
		Phase:       PhaseInProgress,
		StartedAt:   now,
	}
	if len(s.Forms) == 0 {
		s.Forms = DefaultForms()
		s.Fallback = true
	}
	return s, nil
}

// Navigate moves the cursor one step, clamped to [0, len(Forms)-1]. At a
// boundary, or outside InProgress, the state is returned unchanged.
func (s State) Navigate(d Direction) State {
	if s.Phase != PhaseInProgress || len(s.Forms) == 0 {
		return s
	}
	switch d {
	case Next:
		if s.CurrentFormIndex < len(s.Forms)-1 {
			s.CurrentFormIndex++
		}
	case Prev:
		if s.CurrentFormIndex > 0 {
			s.CurrentFormIndex--
		}
	}
	return s
}

// Complete moves an in-progress enrollment to its terminal phase.
func (s State) Complete(now time.Time) State {
	if s.Phase != PhaseInProgress {
		return s
	}
	s.Phase = PhaseCompleted
	s.CompletedAt = now
	return s
}

func (s State) CanGoNext() bool {
	return s.Phase == PhaseInProgress && s.CurrentFormIndex < len(s.Forms)-1
}

func (s State) CanGoPrev() bool {
	return s.Phase == PhaseInProgress && s.CurrentFormIndex > 0
}

// CurrentForm returns the form under the cursor.
func (s State) CurrentForm() (FormDescriptor, bool) {
	if s.CurrentFormIndex < 0 || s.CurrentFormIndex >= len(s.Forms) {
		return FormDescriptor{}, false
	}
	return s.Forms[s.CurrentFormIndex], true
}

// StartView is broadcast when an enrollment starts.
type StartView struct {
	ProductID        string           `json:"productId"`
	ProductName      string           `json:"productName"`
	ProductType      string           `json:"productType"`
	CustomerID       string           `json:"customerId,omitempty"`
	Forms            []FormDescriptor `json:"forms"`
	CurrentFormIndex int              `json:"currentFormIndex"`
	TotalForms       int              `json:"totalForms"`
	Phase            Phase            `json:"phase"`
}

// NavigationView is broadcast after every navigation request, clamped or not.
type NavigationView struct {
	ProductID        string         `json:"productId"`
	CurrentFormIndex int            `json:"currentFormIndex"`
	CurrentForm      FormDescriptor `json:"currentForm"`
	TotalForms       int            `json:"totalForms"`
	CanGoNext        bool           `json:"canGoNext"`
	CanGoPrev        bool           `json:"canGoPrev"`
	Phase            Phase          `json:"phase"`
}

func (s State) StartView() StartView {
	return StartView{
		ProductID:        s.ProductID,
		ProductName:      s.ProductName,
		ProductType:      s.ProductType,
		CustomerID:       s.CustomerID,
		Forms:            s.Forms,
		CurrentFormIndex: s.CurrentFormIndex,
		TotalForms:       len(s.Forms),
		Phase:            s.Phase,
	}
}

func (s State) NavigationView() NavigationView {
	form, _ := s.CurrentForm()
	return NavigationView{
		ProductID:        s.ProductID,
		CurrentFormIndex: s.CurrentFormIndex,
		CurrentForm:      form,
		TotalForms:       len(s.Forms),
		CanGoNext:        s.CanGoNext(),
		CanGoPrev:        s.CanGoPrev(),
		Phase:            s.Phase,
	}
}
