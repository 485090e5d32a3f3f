package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"wa-relay/internal/convmetrics"
	"wa-relay/internal/domain"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicateMessage is returned when a message with the same external id
	// was already stored for the conversation.
	ErrDuplicateMessage = errors.New("repository: duplicate message")
	// ErrConflict is returned when a write-once field has already been set.
	ErrConflict = errors.New("repository: conflicting write")
)

var newID = func() string { return uuid.NewString() }

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table for conversation state.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// GetOrCreateConversation returns the participant's conversation, creating it
// with seed when none exists. Concurrent creators converge on one record.
func (c *Client) GetOrCreateConversation(ctx context.Context, participantID string, seed domain.ConversationSeed) (domain.Conversation, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return domain.Conversation{}, errors.New("repository: GetOrCreateConversation: participant id is required")
	}

	convID, err := c.lookupParticipant(ctx, participantID)
	if err == nil {
		return c.GetConversation(ctx, convID)
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation: %w", err)
	}

	now := seed.SeenAt
	if now.IsZero() {
		now = c.now()
	}
	now = now.UTC()
	source := seed.Source
	if source == "" {
		source = domain.SourceUnknown
	}
	conv := domain.Conversation{
		ID:            newID(),
		ParticipantID: participantID,
		Source:        source,
		AdContext:     seed.AdContext,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ptr, err := attributevalue.MarshalMap(participantItem{
		PK:             participantPK(participantID),
		SK:             skParticipantConv,
		ConversationID: conv.ID,
		CreatedAt:      now,
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation marshal pointer: %w", err)
	}
	item, err := attributevalue.MarshalMap(newConversationItem(conv))
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation marshal conversation: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                ptr,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err == nil {
		return conv, nil
	}

	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation: %w", err)
	}
	// Another writer created the pointer first; use theirs.
	convID, err = c.lookupParticipant(ctx, participantID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetOrCreateConversation after conflict: %w", err)
	}
	return c.GetConversation(ctx, convID)
}

func (c *Client) lookupParticipant(ctx context.Context, participantID string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(participantPK(participantID), skParticipantConv),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get participant: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", ErrNotFound
	}
	var ptr participantItem
	if err := attributevalue.UnmarshalMap(out.Item, &ptr); err != nil {
		return "", fmt.Errorf("decode participant: %w", err)
	}
	if ptr.ConversationID == "" {
		return "", ErrNotFound
	}
	return ptr.ConversationID, nil
}

// GetConversation loads a conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(id), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	return decodeConversation(out.Item)
}

// InsertMessage appends a message. A second insert with the same external id
// returns ErrDuplicateMessage and leaves the stored row untouched.
func (c *Client) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.ConversationID == "" || msg.ExternalID == "" {
		return domain.Message{}, errors.New("repository: InsertMessage: conversation id and external id are required")
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = c.now()
	}
	msg.OccurredAt = msg.OccurredAt.UTC()

	item, err := attributevalue.MarshalMap(newMessageItem(msg))
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: InsertMessage marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Message{}, ErrDuplicateMessage
		}
		return domain.Message{}, fmt.Errorf("repository: InsertMessage: %w", err)
	}
	return msg, nil
}

// ApplyMetrics persists a metrics delta. The first_* fields are only written
// when absent, so concurrent writers cannot overwrite each other, and
// first_response_seconds is derived from the persisted first timestamps.
func (c *Client) ApplyMetrics(ctx context.Context, conversationID string, d convmetrics.Delta) (domain.Conversation, error) {
	names := map[string]string{
		"#lm": "last_message_at",
		"#ld": "last_direction",
		"#ua": "updated_at",
	}
	values := map[string]types.AttributeValue{}
	if err := putValue(values, ":lm", d.LastMessageAt.UTC()); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: ApplyMetrics: %w", err)
	}
	if err := putValue(values, ":ld", string(d.LastDirection)); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: ApplyMetrics: %w", err)
	}
	if err := putValue(values, ":ua", c.now().UTC()); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: ApplyMetrics: %w", err)
	}

	sets := []string{"#lm = :lm", "#ld = :ld", "#ua = :ua"}
	if d.FirstInboundAt != nil {
		names["#fi"] = "first_inbound_at"
		if err := putValue(values, ":fi", d.FirstInboundAt.UTC()); err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: ApplyMetrics: %w", err)
		}
		sets = append(sets, "#fi = if_not_exists(#fi, :fi)")
	}
	if d.FirstOutboundAt != nil {
		names["#fo"] = "first_outbound_at"
		if err := putValue(values, ":fo", d.FirstOutboundAt.UTC()); err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: ApplyMetrics: %w", err)
		}
		sets = append(sets, "#fo = if_not_exists(#fo, :fo)")
	}

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(convPK(conversationID), skMeta),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Conversation{}, ErrNotFound
		}
		return domain.Conversation{}, fmt.Errorf("repository: ApplyMetrics: %w", err)
	}
	conv, err := decodeConversation(out.Attributes)
	if err != nil {
		return domain.Conversation{}, err
	}

	if conv.FirstResponseSeconds != nil || conv.FirstInboundAt == nil || conv.FirstOutboundAt == nil {
		return conv, nil
	}
	return c.setFirstResponse(ctx, conv)
}

func (c *Client) setFirstResponse(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	secs := convmetrics.FirstResponseSeconds(*conv.FirstInboundAt, *conv.FirstOutboundAt)
	values := map[string]types.AttributeValue{}
	if err := putValue(values, ":frs", secs); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: ApplyMetrics: %w", err)
	}
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(convPK(conv.ID), skMeta),
		UpdateExpression:          aws.String("SET #frs = :frs"),
		ConditionExpression:       aws.String("attribute_exists(PK) AND attribute_not_exists(#frs)"),
		ExpressionAttributeNames:  map[string]string{"#frs": "first_response_seconds"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			// Already set by a concurrent writer from the same first timestamps.
			return c.GetConversation(ctx, conv.ID)
		}
		return domain.Conversation{}, fmt.Errorf("repository: ApplyMetrics first response: %w", err)
	}
	return decodeConversation(out.Attributes)
}

// InsertOutcome persists an outcome before any conversion dispatch.
func (c *Client) InsertOutcome(ctx context.Context, o domain.Outcome) (domain.Outcome, error) {
	if o.ConversationID == "" {
		return domain.Outcome{}, errors.New("repository: InsertOutcome: conversation id is required")
	}
	if o.ID == "" {
		o.ID = newID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = c.now()
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.ConversionEventID = nil

	item, err := attributevalue.MarshalMap(newOutcomeItem(o))
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("repository: InsertOutcome marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("repository: InsertOutcome: %w", err)
	}
	return o, nil
}

// GetOutcome loads an outcome by id.
func (c *Client) GetOutcome(ctx context.Context, id string) (domain.Outcome, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(outcomePK(id), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("repository: GetOutcome: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Outcome{}, ErrNotFound
	}
	var it outcomeItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return domain.Outcome{}, fmt.Errorf("repository: GetOutcome decode: %w", err)
	}
	return it.toDomain(), nil
}

// AttachConversionEvent records the dispatched event id on an outcome. It
// succeeds once; later calls return ErrConflict.
func (c *Client) AttachConversionEvent(ctx context.Context, outcomeID, eventID string) error {
	if outcomeID == "" || eventID == "" {
		return errors.New("repository: AttachConversionEvent: outcome id and event id are required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(outcomePK(outcomeID), skMeta),
		UpdateExpression:         aws.String("SET #ev = :ev"),
		ConditionExpression:      aws.String("attribute_exists(PK) AND attribute_not_exists(#ev)"),
		ExpressionAttributeNames: map[string]string{"#ev": "meta_event_id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ev": &types.AttributeValueMemberS{Value: eventID},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: AttachConversionEvent %s: %w", outcomeID, ErrConflict)
		}
		return fmt.Errorf("repository: AttachConversionEvent: %w", err)
	}
	return nil
}

// RecordDeadLetter stores an event whose processing failed after it was
// acknowledged.
func (c *Client) RecordDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = newID()
	}
	if dl.OccurredAt.IsZero() {
		dl.OccurredAt = c.now()
	}
	at := dl.OccurredAt.UTC()
	item, err := attributevalue.MarshalMap(deadLetterItem{
		PK:         deadLetterPK(at),
		SK:         at.Format(time.RFC3339Nano) + "#" + dl.ID,
		ID:         dl.ID,
		Stage:      dl.Stage,
		Reason:     dl.Reason,
		Payload:    string(dl.Payload),
		OccurredAt: at,
	})
	if err != nil {
		return fmt.Errorf("repository: RecordDeadLetter marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: RecordDeadLetter: %w", err)
	}
	return nil
}

func decodeConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	var it conversationItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: decode conversation: %w", err)
	}
	return it.toDomain(), nil
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func putValue(values map[string]types.AttributeValue, name string, v any) error {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	values[name] = av
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
