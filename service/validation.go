package service

import (
	"errors"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zlnvch/boardsync/models"
)

var supportedTools = map[string]struct{}{
	"pen":         {},
	"pencil":      {},
	"brush":       {},
	"highlighter": {},
	"eraser":      {},
	"line":        {},
	"rectangle":   {},
	"circle":      {},
	"text":        {},
}

// ErrInvalidInput matches every validation failure.
var ErrInvalidInput = errors.New("invalid input")

type validationError struct {
	reason string
}

func (e *validationError) Error() string { return e.reason }

func (e *validationError) Is(target error) bool { return target == ErrInvalidInput }

func invalid(reason string) error {
	return &validationError{reason: reason}
}

var hexColorRegex = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	defaultActionType = "draw"
	maxActionTypeLen  = 32
	maxActionPoints   = 5000
	minLineWidth      = 0.5
	maxLineWidth      = 100
	maxChatLength     = 1000
	maxDisplayName    = 64
)

func ValidateRoomId(roomId string) error {
	if !idRegex.MatchString(roomId) {
		return invalid("invalid room id")
	}
	return nil
}

func ValidateActionId(actionId string) error {
	if !idRegex.MatchString(actionId) {
		return invalid("invalid action id")
	}
	return nil
}

func ValidateColor(color string) error {
	if !hexColorRegex.MatchString(color) {
		return invalid("invalid color")
	}
	return nil
}

func ValidateTool(tool string) error {
	if _, ok := supportedTools[tool]; !ok {
		return invalid("invalid tool")
	}
	return nil
}

// ValidateAction checks a client-supplied action before it is broadcast or queued.
func ValidateAction(action models.DrawingAction) error {
	if err := ValidateTool(action.Tool); err != nil {
		return err
	}
	if err := ValidateColor(action.Color); err != nil {
		return err
	}
	if len(action.ActionType) > maxActionTypeLen {
		return invalid("invalid action type")
	}

	coords := action.Coordinates
	hasPoints := len(coords.Points) > 0
	hasSegment := coords.Start != nil && coords.End != nil
	if !hasPoints && !hasSegment {
		return invalid("action has no coordinates")
	}
	if hasPoints && (coords.Start != nil || coords.End != nil) {
		return invalid("action must carry either points or a start/end pair")
	}
	if len(coords.Points) > maxActionPoints {
		return invalid("action has too many points")
	}
	for _, p := range coords.Points {
		if !finite(p.X) || !finite(p.Y) {
			return invalid("invalid coordinate")
		}
	}
	if hasSegment && (!finite(coords.Start.X) || !finite(coords.Start.Y) || !finite(coords.End.X) || !finite(coords.End.Y)) {
		return invalid("invalid coordinate")
	}

	if w := action.Properties.LineWidth; w != 0 && (w < minLineWidth || w > maxLineWidth || !finite(w)) {
		return invalid("invalid line width")
	}

	return nil
}

func ValidateCursor(cursor models.Cursor) error {
	if !finite(cursor.X) || !finite(cursor.Y) {
		return invalid("invalid cursor position")
	}
	return nil
}

func ValidateChat(message string) error {
	if strings.TrimSpace(message) == "" {
		return invalid("chat message is empty")
	}
	if utf8.RuneCountInString(message) > maxChatLength {
		return invalid("chat message too long")
	}
	return nil
}

func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(name) > maxDisplayName {
		return invalid("display name too long")
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
