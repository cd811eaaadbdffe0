// Package stream provides DynamoDB Streams handlers that apply relationship
// delete policies to entities removed out of band.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/cascade"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/dynamo"
)

// Purger applies delete policies for an entity that no longer exists.
// *cascade.Cascader implements it.
type Purger interface {
	Purge(ctx context.Context, ref store.Ref) (*cascade.Report, error)
}

// Handler processes DynamoDB stream events of the entity table.
type Handler struct {
	purger Purger
	logger *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(p Purger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		purger: p,
		logger: logger,
	}
}

// HandleExpired purges the links of entities removed by DynamoDB TTL.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleExpired(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != "REMOVE" || !expired(record) {
		return nil
	}

	entityRef := getStringAttr(record.Change.Keys, "entity_ref")
	if entityRef == "" {
		entityRef = getStringAttr(record.Change.OldImage, "entity_ref")
	}
	ref, err := store.ParseRef(entityRef)
	if err != nil {
		// Retrying cannot fix a malformed key.
		h.logger.Warn("skipping record without entity reference",
			"eventID", record.EventID,
			"error", err,
		)
		return nil
	}

	h.logger.Info("purging expired entity",
		"entityRef", entityRef,
		"ttl", getNumberAttr(record.Change.OldImage, "ttl"),
	)

	report, err := h.purger.Purge(ctx, ref)
	if permanent(err) {
		h.logger.Error("purge cannot succeed, dropping record",
			"entityRef", entityRef,
			"error", err,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("purge %s: %w", entityRef, err)
	}

	h.logger.Info("purge completed",
		"entityRef", entityRef,
		"deleted", len(report.Deleted),
		"nulled", len(report.Nulled),
		"unlinked", report.UnlinkedEdges,
	)
	return nil
}

// expired reports whether a REMOVE record was produced by TTL expiry rather
// than by a transactional delete, which already handled the links.
func expired(record events.DynamoDBEventRecord) bool {
	if id := record.UserIdentity; id != nil && id.Type == "Service" && id.PrincipalID == "dynamodb.amazonaws.com" {
		return true
	}
	old := ConvertImage(record.Change.OldImage)
	if old == nil {
		return false
	}
	return dynamo.IsExpired(old, record.Change.ApproximateCreationDateTime.Time)
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// ConvertImage converts the scalar attributes of a stream image to SDK
// attribute values. Nested attributes are skipped. A nil image converts to
// nil.
func ConvertImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	if image == nil {
		return nil
	}
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		switch v.DataType() {
		case events.DataTypeString:
			result[k] = &types.AttributeValueMemberS{Value: v.String()}
		case events.DataTypeNumber:
			result[k] = &types.AttributeValueMemberN{Value: v.Number()}
		case events.DataTypeBinary:
			result[k] = &types.AttributeValueMemberB{Value: v.Binary()}
		case events.DataTypeBoolean:
			result[k] = &types.AttributeValueMemberBOOL{Value: v.Boolean()}
		case events.DataTypeNull:
			result[k] = &types.AttributeValueMemberNULL{Value: true}
		}
	}
	return result
}

// permanent reports whether retrying the purge would fail the same way.
func permanent(err error) bool {
	return errors.Is(err, store.ErrTransactionTooLarge) ||
		errors.Is(err, store.ErrInvalidReference) ||
		errors.Is(err, store.ErrConfiguration)
}
