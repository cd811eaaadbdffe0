// Package dynamo implements store.Store on DynamoDB.
//
// Entities live in one table keyed by "entity_ref" ("type#id"). Link rows
// live in a second table whose partition key is the relationship and owner,
// optionally sharded by member, with a global secondary index on the member
// for inverse lookups. A transaction buffers its writes, serves reads from
// the buffer first and commits everything with one TransactWriteItems call
// guarded by version conditions.
//
// Inverse lookups go through a GSI and are eventually consistent across
// transactions.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/lattice/internal/shard"
	"github.com/jacentio/lattice/store"
)

// Ensure Store implements store.Store
var _ store.Store = (*Store)(nil)

// MaxTransactItems is the TransactWriteItems item limit.
const MaxTransactItems = 100

// API is the part of the DynamoDB client used by Store.
// *dynamodb.Client satisfies it.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store provides entity and link storage on DynamoDB.
type Store struct {
	client API
	config Config
	now    func() time.Time
	newID  func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the id generator. Defaults to random UUIDs.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// New creates a new Store instance.
func New(client API, config Config, opts ...Option) *Store {
	config.validate()
	s := &Store{
		client: client,
		config: config,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.config
}

type entityItem struct {
	EntityRef  string         `dynamodbav:"entity_ref"`
	EntityType string         `dynamodbav:"entity_type"`
	ID         string         `dynamodbav:"id"`
	Version    int64          `dynamodbav:"version"`
	Fields     map[string]any `dynamodbav:"fields"`
	CreatedAt  string         `dynamodbav:"created_at"`
	UpdatedAt  string         `dynamodbav:"updated_at"`
	TTL        int64          `dynamodbav:"ttl,omitempty"`
}

type linkItem struct {
	PK           string            `dynamodbav:"pk"`
	SK           string            `dynamodbav:"sk"`
	Relationship string            `dynamodbav:"relationship"`
	Owner        string            `dynamodbav:"owner"`
	Member       string            `dynamodbav:"member"`
	MemberKey    string            `dynamodbav:"member_key"`
	Meta         map[string]string `dynamodbav:"meta,omitempty"`
	CreatedAt    string            `dynamodbav:"created_at"`
}

func (s *Store) linkKey(rel string, owner, member store.Ref) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: shard.LinkPK(rel, owner.String(), member.String(), s.config.NumShards)},
		"sk": &types.AttributeValueMemberS{Value: shard.EdgeID(rel, owner.String(), member.String())},
	}
}

func (s *Store) toLinkItem(e store.Edge) linkItem {
	owner, member := e.Owner.String(), e.Member.String()
	return linkItem{
		PK:           shard.LinkPK(e.Relationship, owner, member, s.config.NumShards),
		SK:           shard.EdgeID(e.Relationship, owner, member),
		Relationship: e.Relationship,
		Owner:        owner,
		Member:       member,
		MemberKey:    shard.MemberKey(e.Relationship, member),
		Meta:         e.Meta,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (l linkItem) edge() (store.Edge, error) {
	owner, err := store.ParseRef(l.Owner)
	if err != nil {
		return store.Edge{}, err
	}
	member, err := store.ParseRef(l.Member)
	if err != nil {
		return store.Edge{}, err
	}
	created, _ := time.Parse(time.RFC3339Nano, l.CreatedAt)
	return store.Edge{
		Relationship: l.Relationship,
		Owner:        owner,
		Member:       member,
		Meta:         l.Meta,
		CreatedAt:    created,
	}, nil
}

func (e *entityItem) record() *store.Record {
	created, _ := time.Parse(time.RFC3339Nano, e.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, e.UpdatedAt)
	rec := &store.Record{
		Ref:       store.NewRef(e.EntityType, e.ID),
		Version:   e.Version,
		Fields:    e.Fields,
		CreatedAt: created,
		UpdatedAt: updated,
	}
	return rec.Clone()
}

// WithTransaction buffers every write made by fn and commits them in one
// TransactWriteItems call. A transaction with more than MaxTransactItems
// writes fails with store.ErrTransactionTooLarge.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit(ctx)
}

// Load implements store.Tx.
func (s *Store) Load(ctx context.Context, ref store.Ref) (*store.Record, error) {
	return newTx(s).Load(ctx, ref)
}

// Save implements store.Tx.
func (s *Store) Save(ctx context.Context, rec *store.Record) (*store.Record, error) {
	var saved *store.Record
	err := s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		saved, err = tx.Save(ctx, rec)
		return err
	})
	return saved, err
}

// Delete implements store.Tx.
func (s *Store) Delete(ctx context.Context, ref store.Ref) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Delete(ctx, ref)
	})
}

// Links implements store.Tx.
func (s *Store) Links(ctx context.Context, rel string, owner store.Ref) ([]store.Edge, error) {
	return newTx(s).Links(ctx, rel, owner)
}

// Backlinks implements store.Tx.
func (s *Store) Backlinks(ctx context.Context, rel string, member store.Ref) ([]store.Edge, error) {
	return newTx(s).Backlinks(ctx, rel, member)
}

// PutLink implements store.Tx.
func (s *Store) PutLink(ctx context.Context, e store.Edge) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutLink(ctx, e)
	})
}

// RemoveLink implements store.Tx.
func (s *Store) RemoveLink(ctx context.Context, rel string, owner, member store.Ref) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.RemoveLink(ctx, rel, owner, member)
	})
}

// Close implements store.Store. The client is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// Expire schedules ref for removal by DynamoDB TTL at the given time. The
// entity reads as absent from then on; its links are purged when the
// removal shows up on the table stream. This also increments the version to
// fail concurrent updates.
func (s *Store) Expire(ctx context.Context, ref store.Ref, at time.Time) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.EntityTable),
		Key:                 entityKey(ref),
		UpdateExpression:    aws.String("SET #ttl = :ttl, #version = #version + :one"),
		ConditionExpression: aws.String("attribute_exists(entity_ref) AND (" + TTLFilterExpr() + ")"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":     "ttl",
			"#version": "version",
		},
		ExpressionAttributeValues: mergeExprValues(
			TTLFilterValues(s.now()),
			map[string]types.AttributeValue{
				":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(at.Unix(), 10)},
				":one": &types.AttributeValueMemberN{Value: "1"},
			},
		),
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	}
	return err
}

func entityKey(ref store.Ref) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"entity_ref": &types.AttributeValueMemberS{Value: ref.String()},
	}
}

func (s *Store) getEntity(ctx context.Context, ref store.Ref) (*entityItem, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.EntityTable),
		Key:            entityKey(ref),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if result.Item == nil || IsExpired(result.Item, s.now()) {
		return nil, nil
	}

	var item entityItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", ref, err)
	}
	if item.Fields == nil {
		item.Fields = make(map[string]any)
	}
	return &item, nil
}

// queryOwner returns the stored links of owner, fanning out across shards.
func (s *Store) queryOwner(ctx context.Context, rel string, owner store.Ref) ([]store.Edge, error) {
	pks := shard.OwnerPKs(rel, owner.String(), s.config.NumShards)

	// Fast path for single shard (default)
	if len(pks) == 1 {
		return s.queryLinks(ctx, s.ownerQuery(pks[0]))
	}

	var mu sync.Mutex
	var all []store.Edge
	var wg sync.WaitGroup
	errs := make(chan error, len(pks))

	for _, pk := range pks {
		wg.Add(1)
		go func(pk string) {
			defer wg.Done()
			edges, err := s.queryLinks(ctx, s.ownerQuery(pk))
			if err != nil {
				errs <- fmt.Errorf("shard %s: %w", pk, err)
				return
			}
			mu.Lock()
			all = append(all, edges...)
			mu.Unlock()
		}(pk)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (s *Store) ownerQuery(pk string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.config.LinkTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	}
}

func (s *Store) queryMember(ctx context.Context, rel string, member store.Ref) ([]store.Edge, error) {
	return s.queryLinks(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.LinkTable),
		IndexName:              aws.String(s.config.MemberIndex),
		KeyConditionExpression: aws.String("member_key = :mk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":mk": &types.AttributeValueMemberS{Value: shard.MemberKey(rel, member.String())},
		},
	})
}

func (s *Store) queryLinks(ctx context.Context, input *dynamodb.QueryInput) ([]store.Edge, error) {
	var edges []store.Edge
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var items []linkItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal links: %w", err)
		}
		for _, item := range items {
			e, err := item.edge()
			if err != nil {
				return nil, err
			}
			edges = append(edges, e)
		}
	}
	return edges, nil
}

// tx buffers writes until commit.
type tx struct {
	s        *Store
	entities map[store.Ref]*entityState
	links    map[store.EdgeKey]*linkState
}

type entityState struct {
	// stored is the version in the table when first read; 0 if absent.
	stored int64
	// item is the current view; nil if absent or deleted.
	item  *entityItem
	dirty bool
}

type linkState struct {
	edge    store.Edge
	removed bool
}

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		entities: make(map[store.Ref]*entityState),
		links:    make(map[store.EdgeKey]*linkState),
	}
}

func (t *tx) state(ctx context.Context, ref store.Ref) (*entityState, error) {
	if st, ok := t.entities[ref]; ok {
		return st, nil
	}
	item, err := t.s.getEntity(ctx, ref)
	if err != nil {
		return nil, err
	}
	st := &entityState{item: item}
	if item != nil {
		st.stored = item.Version
	}
	t.entities[ref] = st
	return st, nil
}

func (t *tx) Load(ctx context.Context, ref store.Ref) (*store.Record, error) {
	st, err := t.state(ctx, ref)
	if err != nil {
		return nil, err
	}
	if st.item == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	}
	return st.item.record(), nil
}

func (t *tx) Save(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if rec.Ref.Type == "" {
		return nil, fmt.Errorf("%w: record has no type", store.ErrInvalidReference)
	}
	ref := rec.Ref
	if ref.IsZero() {
		ref.ID = t.s.newID()
	}
	st, err := t.state(ctx, ref)
	if err != nil {
		return nil, err
	}

	now := t.s.now().UTC().Format(time.RFC3339Nano)
	next := &entityItem{
		EntityRef:  ref.String(),
		EntityType: ref.Type,
		ID:         ref.ID,
		Fields:     rec.Clone().Fields,
		UpdatedAt:  now,
	}

	switch {
	case rec.Version == 0 && st.item != nil:
		return nil, fmt.Errorf("%w: %s", store.ErrAlreadyExists, ref)
	case rec.Version == 0:
		next.Version = 1
		next.CreatedAt = now
	case st.item == nil:
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	case st.item.Version != rec.Version:
		return nil, fmt.Errorf("%w: %s at version %d, expected %d",
			store.ErrConcurrentModification, ref, st.item.Version, rec.Version)
	default:
		next.Version = st.item.Version + 1
		next.CreatedAt = st.item.CreatedAt
		next.TTL = st.item.TTL
	}

	st.item = next
	st.dirty = true
	return next.record(), nil
}

func (t *tx) Delete(ctx context.Context, ref store.Ref) error {
	st, err := t.state(ctx, ref)
	if err != nil {
		return err
	}
	if st.item == nil {
		return fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	}
	st.item = nil
	st.dirty = true
	return nil
}

func (t *tx) Links(ctx context.Context, rel string, owner store.Ref) ([]store.Edge, error) {
	stored, err := t.s.queryOwner(ctx, rel, owner)
	if err != nil {
		return nil, err
	}
	edges := t.overlay(stored, func(k store.EdgeKey) bool {
		return k.Relationship == rel && k.Owner == owner
	})
	sort.Slice(edges, func(i, j int) bool { return edges[i].Member.String() < edges[j].Member.String() })
	return edges, nil
}

func (t *tx) Backlinks(ctx context.Context, rel string, member store.Ref) ([]store.Edge, error) {
	stored, err := t.s.queryMember(ctx, rel, member)
	if err != nil {
		return nil, err
	}
	edges := t.overlay(stored, func(k store.EdgeKey) bool {
		return k.Relationship == rel && k.Member == member
	})
	sort.Slice(edges, func(i, j int) bool { return edges[i].Owner.String() < edges[j].Owner.String() })
	return edges, nil
}

// overlay applies buffered link writes matching match to stored.
func (t *tx) overlay(stored []store.Edge, match func(store.EdgeKey) bool) []store.Edge {
	byKey := make(map[store.EdgeKey]store.Edge, len(stored))
	for _, e := range stored {
		byKey[e.Key()] = e
	}
	for k, ls := range t.links {
		if !match(k) {
			continue
		}
		if ls.removed {
			delete(byKey, k)
		} else {
			byKey[k] = ls.edge.Clone()
		}
	}
	edges := make([]store.Edge, 0, len(byKey))
	for _, e := range byKey {
		edges = append(edges, e)
	}
	return edges
}

func (t *tx) PutLink(ctx context.Context, e store.Edge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.s.now().UTC()
	}
	t.links[e.Key()] = &linkState{edge: e.Clone()}
	return nil
}

func (t *tx) RemoveLink(ctx context.Context, rel string, owner, member store.Ref) error {
	k := store.EdgeKey{Relationship: rel, Owner: owner, Member: member}
	t.links[k] = &linkState{edge: store.Edge{Relationship: rel, Owner: owner, Member: member}, removed: true}
	return nil
}

// commit writes the buffered changes. Entity writes carry a condition on the
// version read by the transaction.
func (t *tx) commit(ctx context.Context) error {
	items, subjects, err := t.writeItems()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if len(items) > MaxTransactItems {
		return fmt.Errorf("%w: %d writes, limit is %d", store.ErrTransactionTooLarge, len(items), MaxTransactItems)
	}

	_, err = t.s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err, subjects)
}

func (t *tx) writeItems() ([]types.TransactWriteItem, []string, error) {
	var items []types.TransactWriteItem
	var subjects []string
	cfg := t.s.config

	refs := make([]store.Ref, 0, len(t.entities))
	for ref, st := range t.entities {
		if st.dirty {
			refs = append(refs, ref)
		}
	}
	store.SortRefs(refs)

	for _, ref := range refs {
		st := t.entities[ref]
		switch {
		case st.item != nil:
			av, err := attributevalue.MarshalMap(st.item)
			if err != nil {
				return nil, nil, fmt.Errorf("marshal %s: %w", ref, err)
			}
			put := &types.Put{TableName: aws.String(cfg.EntityTable), Item: av}
			if st.stored == 0 {
				put.ConditionExpression = aws.String("attribute_not_exists(entity_ref) OR #ttl <= :now")
				put.ExpressionAttributeNames = TTLFilterNames()
				put.ExpressionAttributeValues = TTLFilterValues(t.s.now())
			} else {
				put.ConditionExpression = aws.String("#version = :expected")
				put.ExpressionAttributeNames = map[string]string{"#version": "version"}
				put.ExpressionAttributeValues = expectedVersion(st.stored)
			}
			items = append(items, types.TransactWriteItem{Put: put})
		case st.stored > 0:
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(cfg.EntityTable),
				Key:                       entityKey(ref),
				ConditionExpression:       aws.String("#version = :expected"),
				ExpressionAttributeNames:  map[string]string{"#version": "version"},
				ExpressionAttributeValues: expectedVersion(st.stored),
			}})
		default:
			// Created and deleted inside the transaction.
			continue
		}
		subjects = append(subjects, ref.String())
	}

	keys := make([]store.EdgeKey, 0, len(t.links))
	for k := range t.links {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		ls := t.links[k]
		if ls.removed {
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(cfg.LinkTable),
				Key:       t.s.linkKey(k.Relationship, k.Owner, k.Member),
			}})
		} else {
			av, err := attributevalue.MarshalMap(t.s.toLinkItem(ls.edge))
			if err != nil {
				return nil, nil, fmt.Errorf("marshal link %s: %w", k, err)
			}
			items = append(items, types.TransactWriteItem{Put: &types.Put{
				TableName: aws.String(cfg.LinkTable),
				Item:      av,
			}})
		}
		subjects = append(subjects, k.String())
	}
	return items, subjects, nil
}

func expectedVersion(v int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)},
	}
}

// mapTransactionError maps a failed condition to ErrConcurrentModification
// naming the item whose condition failed.
func mapTransactionError(err error, subjects []string) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				subject := "unknown item"
				if i < len(subjects) {
					subject = subjects[i]
				}
				return fmt.Errorf("%w: %s", store.ErrConcurrentModification, subject)
			}
		}
	}
	return err
}
