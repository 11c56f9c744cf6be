// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package unit

import (
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

// Unit is one member of the deployment as seen by the reconciler.
type Unit struct {
	Tag        names.UnitTag
	Address    string
	Configured bool
	Leader     bool
	Standby    bool
	Phase      Phase
}

// Name returns the unit name, eg "mysql/0".
func (u Unit) Name() string {
	return u.Tag.Id()
}

// Label returns the name used for the unit's instance inside the
// cluster. Slashes are not valid in instance labels.
func (u Unit) Label() string {
	return Label(u.Name())
}

// Label returns the cluster instance label for the named unit.
func Label(unitName string) string {
	return strings.ReplaceAll(unitName, "/", "-")
}

// UnitName converts an instance label back to a unit name.
func UnitName(label string) (string, error) {
	i := strings.LastIndex(label, "-")
	if i <= 0 {
		return "", errors.NotValidf("instance label %q", label)
	}
	name := label[:i] + "/" + label[i+1:]
	if !names.IsValidUnit(name) {
		return "", errors.NotValidf("instance label %q", label)
	}
	return name, nil
}

// Number returns the unit number of the named unit, or -1 when the name
// is not a valid unit name.
func Number(unitName string) int {
	if !names.IsValidUnit(unitName) {
		return -1
	}
	return names.NewUnitTag(unitName).Number()
}

// SortByNumber sorts unit names by unit number, so that "mysql/10"
// follows "mysql/9".
func SortByNumber(unitNames []string) {
	sort.SliceStable(unitNames, func(i, j int) bool {
		return Number(unitNames[i]) < Number(unitNames[j])
	})
}
