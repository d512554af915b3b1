package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/xtxerr/tickvault/internal/session"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for errors. Struct tags cover field
// shapes; the methods below cover relations between fields.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	// Session
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}

	// Feed
	if err := c.Feed.Validate(len(c.Instruments)); err != nil {
		errs = append(errs, fmt.Errorf("feed: %w", err))
	}

	// Ingestion
	if err := c.Ingestion.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingestion: %w", err))
	}

	// Backpressure
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	// Storage
	if c.Storage.OpenMaxBackoff < c.Storage.OpenInitialBackoff {
		errs = append(errs, errors.New("storage: open_max_backoff must be >= open_initial_backoff"))
	}

	// Instruments
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if seen[inst.Name()] {
			errs = append(errs, fmt.Errorf("instruments: duplicate symbol %q", inst.Name()))
		}
		seen[inst.Name()] = true
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks that the session describes a real calendar.
func (c *SessionConfig) Validate() error {
	_, err := c.Calendar()
	return err
}

// Calendar builds the session calendar.
func (c *SessionConfig) Calendar() (*session.Calendar, error) {
	return session.New(session.Options{
		Timezone: c.Timezone,
		Open:     c.Open,
		Close:    c.Close,
		Weekdays: c.Weekdays,
	})
}

// Validate checks the feed configuration.
func (c *FeedConfig) Validate(instruments int) error {
	var errs []error

	if c.ReconnectMax < c.ReconnectInitial {
		errs = append(errs, errors.New("reconnect_max must be >= reconnect_initial"))
	}

	if c.Enabled && instruments == 0 {
		errs = append(errs, errors.New("enabled without instruments"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingestion configuration.
func (c *IngestionConfig) Validate() error {
	var errs []error

	if c.BatchSize > c.BufferCapacity {
		errs = append(errs, errors.New("batch_size must not exceed buffer_capacity"))
	}

	if c.KeepOnFailure > c.BufferCapacity {
		errs = append(errs, errors.New("keep_on_failure must not exceed buffer_capacity"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Thresholds.Warning >= c.Thresholds.Critical {
		errs = append(errs, errors.New("warning threshold must be less than critical"))
	}

	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		errs = append(errs, errors.New("critical threshold must be less than emergency"))
	}

	if c.Recovery.Hysteresis >= c.Thresholds.Warning {
		errs = append(errs, errors.New("hysteresis must be less than the warning threshold"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
