package model

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeRequest IDType = "req"
	IDTypeSession IDType = "ses"
	IDTypeEvent   IDType = "evt"
)

var idRegex = regexp.MustCompile(`^(req|ses|evt)_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewID returns a typed identifier like "req_6ba7b810-9dad-11d1-80b4-00c04fd430c8".
func NewID(idType IDType) string {
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
