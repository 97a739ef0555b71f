package model

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeActionLog    IDType = "log"
	IDTypeNotification IDType = "ntf"
	IDTypeTodo         IDType = "todo"
	IDTypeEvent        IDType = "evt"
	IDTypeGroup        IDType = "grp"
	IDTypeUser         IDType = "usr"
)

var validIDTypes = map[IDType]bool{
	IDTypeActionLog:    true,
	IDTypeNotification: true,
	IDTypeTodo:         true,
	IDTypeEvent:        true,
	IDTypeGroup:        true,
	IDTypeUser:         true,
}

var idRegex = regexp.MustCompile(`^(log|ntf|todo|evt|grp|usr)_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewID generates a typed unique identifier, e.g. "ntf_2c5ea4c0-...".
// IDs are assigned once at construction and never reused.
func NewID(idType IDType) string {
	if !validIDTypes[idType] {
		panic(fmt.Sprintf("invalid ID type: %s", idType))
	}
	return fmt.Sprintf("%s_%s", idType, uuid.NewString())
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}
