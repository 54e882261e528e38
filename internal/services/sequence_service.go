package services

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/config"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/db"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/faults"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
)

// Entity types with registered identifier formats.
const (
	EntityLandlord   = "bailleur"
	EntityTenant     = "locataire"
	EntityContract   = "contrat"
	EntityPayment    = "paiement"
	EntityReceipt    = "recu"
	EntityWithdrawal = "retrait"
)

// ResetPolicy controls how often an entity type's sequence restarts.
type ResetPolicy string

const (
	ResetYearly  ResetPolicy = "yearly"
	ResetMonthly ResetPolicy = "monthly"
	ResetDaily   ResetPolicy = "daily"
	ResetNever   ResetPolicy = "never"
)

// SequenceFormat describes how identifiers for one entity type are built.
type SequenceFormat struct {
	Prefix string
	Reset  ResetPolicy
	Width  int // zero-padded width of the sequence component
}

// Identifier is a parsed identifier. FallbackSuffix is set only on identifiers
// produced by the collision fallback path.
type Identifier struct {
	EntityType     string
	Prefix         string
	Period         string
	Seq            int64
	Width          int
	FallbackSuffix string
}

// String reassembles the identifier exactly as it was issued.
func (id Identifier) String() string {
	width := id.Width
	if width == 0 {
		width = 4
	}
	parts := []string{id.Prefix}
	if id.Period != "" {
		parts = append(parts, id.Period)
	}
	parts = append(parts, fmt.Sprintf("%0*d", width, id.Seq))
	if id.FallbackSuffix != "" {
		parts = append(parts, id.FallbackSuffix)
	}
	return strings.Join(parts, "-")
}

// ISequenceService allocates unique formatted identifiers per entity type.
type ISequenceService interface {
	// Allocate returns the next identifier for the entity type, using at as
	// the business date for the period token. Safe under concurrent callers:
	// the sequence comes from a single atomic find-and-increment.
	Allocate(ctx context.Context, entityType string, at time.Time) (string, error)
	// Fallback builds a guaranteed-unique alternative identifier for use when
	// the allocated one collides with an existing record.
	Fallback(entityType string, at time.Time) (string, error)
	// Parse validates an identifier against the entity type's format and
	// extracts its components back out.
	Parse(entityType, value string) (Identifier, error)
	// Format returns the registered format for an entity type.
	Format(entityType string) (SequenceFormat, error)
}

// sequenceService implements ISequenceService over a Mongo counters collection.
type sequenceService struct {
	db      *mongo.Database
	formats map[string]SequenceFormat
}

func defaultSequenceFormats() map[string]SequenceFormat {
	return map[string]SequenceFormat{
		EntityLandlord:   {Prefix: "BLR", Reset: ResetYearly, Width: 4},
		EntityTenant:     {Prefix: "LOC", Reset: ResetYearly, Width: 4},
		EntityContract:   {Prefix: "CTR", Reset: ResetYearly, Width: 4},
		EntityPayment:    {Prefix: "PAY", Reset: ResetMonthly, Width: 4},
		EntityReceipt:    {Prefix: "REC", Reset: ResetDaily, Width: 4},
		EntityWithdrawal: {Prefix: "RET", Reset: ResetYearly, Width: 4},
	}
}

// NewSequenceService creates a sequence service with the default per-entity
// formats, applying any overrides from configuration.
func NewSequenceService(database *mongo.Database, cfg *config.Config) (ISequenceService, error) {
	formats := defaultSequenceFormats()
	if cfg != nil && cfg.SequenceFormatOverrides != "" {
		if err := applyFormatOverrides(formats, cfg.SequenceFormatOverrides); err != nil {
			return nil, err
		}
	}
	return &sequenceService{db: database, formats: formats}, nil
}

// applyFormatOverrides parses "entity=PREFIX:reset:width[,...]" overrides.
func applyFormatOverrides(formats map[string]SequenceFormat, overrides string) error {
	for _, entry := range strings.Split(overrides, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			return &faults.ConfigurationError{EntityType: entry, Reason: "malformed sequence format override, expected entity=PREFIX:reset:width"}
		}
		entity := strings.TrimSpace(kv[0])
		spec := strings.Split(kv[1], ":")
		if len(spec) != 3 {
			return &faults.ConfigurationError{EntityType: entity, Reason: "malformed sequence format spec, expected PREFIX:reset:width"}
		}
		reset := ResetPolicy(spec[1])
		switch reset {
		case ResetYearly, ResetMonthly, ResetDaily, ResetNever:
		default:
			return &faults.ConfigurationError{EntityType: entity, Reason: fmt.Sprintf("unknown reset policy %q", spec[1])}
		}
		width, err := strconv.Atoi(spec[2])
		if err != nil || width < 1 || width > 10 {
			return &faults.ConfigurationError{EntityType: entity, Reason: fmt.Sprintf("invalid sequence width %q", spec[2])}
		}
		formats[entity] = SequenceFormat{Prefix: spec[0], Reset: reset, Width: width}
	}
	return nil
}

// periodToken builds the period component for a reset policy from the
// supplied business date (not necessarily "now").
func periodToken(reset ResetPolicy, at time.Time) string {
	u := at.UTC()
	switch reset {
	case ResetYearly:
		return u.Format("2006")
	case ResetMonthly:
		return u.Format("200601")
	case ResetDaily:
		return u.Format("20060102")
	default:
		return ""
	}
}

func (s *sequenceService) Format(entityType string) (SequenceFormat, error) {
	format, ok := s.formats[entityType]
	if !ok {
		return SequenceFormat{}, &faults.ConfigurationError{EntityType: entityType, Reason: "no identifier format registered"}
	}
	return format, nil
}

// Allocate increments the (entityType, period) counter atomically and formats
// the result. Two racing upserts on the same new counter _id can surface a
// transient duplicate key error, which is retried.
func (s *sequenceService) Allocate(ctx context.Context, entityType string, at time.Time) (string, error) {
	format, err := s.Format(entityType)
	if err != nil {
		return "", err
	}
	period := periodToken(format.Reset, at)

	counterID := entityType
	if period != "" {
		counterID = entityType + ":" + period
	}

	var counter models.SequenceCounter
	op := func() error {
		filter := bson.M{"_id": counterID}
		update := bson.M{
			"$inc": bson.M{"seq": 1},
			"$set": bson.M{"updated_at": time.Now().UTC()},
			"$setOnInsert": bson.M{
				"entity_type": entityType,
				"period":      period,
			},
		}
		opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
		return s.db.Collection(models.SequencesCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	}
	if err := db.Try(op); err != nil {
		return "", fmt.Errorf("failed to increment sequence %s: %w", counterID, err)
	}

	id := Identifier{EntityType: entityType, Prefix: format.Prefix, Period: period, Seq: counter.Seq, Width: format.Width}
	return id.String(), nil
}

// Fallback builds PREFIX-PERIOD-mmmm-rrrr from the millisecond clock and a
// random suffix, matching no counter but guaranteed not to repeat in practice.
// Callers log its use as a soft anomaly; it is never treated as corruption.
func (s *sequenceService) Fallback(entityType string, at time.Time) (string, error) {
	format, err := s.Format(entityType)
	if err != nil {
		return "", err
	}
	period := periodToken(format.Reset, at)

	millis := time.Now().UnixMilli() % 10000
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to read random suffix: %w", err)
	}
	random := binary.BigEndian.Uint32(buf[:]) % 10000

	id := Identifier{
		EntityType:     entityType,
		Prefix:         format.Prefix,
		Period:         period,
		Seq:            millis,
		Width:          format.Width,
		FallbackSuffix: fmt.Sprintf("%04d", random),
	}
	return id.String(), nil
}

// Parse validates value against the entity type's format and extracts the
// period and sequence components. Formatting the result reproduces the input.
func (s *sequenceService) Parse(entityType, value string) (Identifier, error) {
	format, err := s.Format(entityType)
	if err != nil {
		return Identifier{}, err
	}

	parts := strings.Split(value, "-")
	if len(parts) < 2 || parts[0] != format.Prefix {
		return Identifier{}, &faults.InconsistentDataError{Entity: entityType, ID: value, Reason: fmt.Sprintf("identifier does not start with prefix %s", format.Prefix)}
	}
	rest := parts[1:]

	id := Identifier{EntityType: entityType, Prefix: format.Prefix, Width: format.Width}

	if format.Reset != ResetNever {
		if len(rest) < 2 {
			return Identifier{}, &faults.InconsistentDataError{Entity: entityType, ID: value, Reason: "identifier is missing its period component"}
		}
		layout := map[ResetPolicy]string{ResetYearly: "2006", ResetMonthly: "200601", ResetDaily: "20060102"}[format.Reset]
		if _, err := time.Parse(layout, rest[0]); err != nil {
			return Identifier{}, &faults.InconsistentDataError{Entity: entityType, ID: value, Reason: fmt.Sprintf("invalid period component %q for %s reset", rest[0], format.Reset)}
		}
		id.Period = rest[0]
		rest = rest[1:]
	}

	switch len(rest) {
	case 1:
	case 2:
		// Fallback identifiers carry a trailing random suffix.
		if len(rest[1]) != 4 {
			return Identifier{}, &faults.InconsistentDataError{Entity: entityType, ID: value, Reason: "invalid fallback suffix"}
		}
		if _, err := strconv.ParseInt(rest[1], 10, 64); err != nil {
			return Identifier{}, &faults.InconsistentDataError{Entity: entityType, ID: value, Reason: "invalid fallback suffix"}
		}
		id.FallbackSuffix = rest[1]
	default:
		return Identifier{}, &faults.InconsistentDataError{Entity: entityType, ID: value, Reason: "unexpected number of identifier components"}
	}

	seq, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil || seq < 0 {
		return Identifier{}, &faults.InconsistentDataError{Entity: entityType, ID: value, Reason: fmt.Sprintf("invalid sequence component %q", rest[0])}
	}
	id.Seq = seq

	return id, nil
}
