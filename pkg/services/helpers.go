package services

import (
	"encoding/json"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// jsonEqual compares two maps by their canonical JSON encoding
func jsonEqual(a, b models.JSONMap) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(aj) == string(bj)
}
