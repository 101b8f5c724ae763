// Package db builds the concrete store drivers from a profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/carlostoek/yabot/internal/profile"
	"github.com/carlostoek/yabot/store"
	"github.com/carlostoek/yabot/store/db/mongo"
	"github.com/carlostoek/yabot/store/db/postgres"
	"github.com/carlostoek/yabot/store/db/sqlite"
)

// NewDocumentDriver returns the MongoDB document driver.
func NewDocumentDriver(instanceProfile *profile.Profile) store.DocumentDriver {
	return mongo.NewDB(instanceProfile)
}

// NewRelationalDriver returns the relational driver selected by the profile.
func NewRelationalDriver(instanceProfile *profile.Profile) (store.RelationalDriver, error) {
	switch instanceProfile.RelationalDriver {
	case "sqlite":
		return sqlite.NewDB(instanceProfile), nil
	case "postgres":
		return postgres.NewDB(instanceProfile), nil
	default:
		return nil, errors.Errorf("unknown relational driver %q", instanceProfile.RelationalDriver)
	}
}
