package dynamo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeTables struct {
	mu      sync.Mutex
	created map[string]*dynamodb.CreateTableInput
	ttl     map[string]string
	deleted []string
}

var _ TableAPI = (*fakeTables)(nil)

func newFakeTables() *fakeTables {
	return &fakeTables{
		created: make(map[string]*dynamodb.CreateTableInput),
		ttl:     make(map[string]string),
	}
}

func (f *fakeTables) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[*in.TableName]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists")}
	}
	f.created[*in.TableName] = in
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeTables) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[*in.TableName]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeTables) UpdateTimeToLive(ctx context.Context, in *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl[*in.TableName] = *in.TimeToLiveSpecification.AttributeName
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func (f *fakeTables) DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[*in.TableName]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	delete(f.created, *in.TableName)
	f.deleted = append(f.deleted, *in.TableName)
	return &dynamodb.DeleteTableOutput{}, nil
}

func TestCreateTables(t *testing.T) {
	f := newFakeTables()
	cfg := Config{EntityTable: "e", LinkTable: "l"}
	ctx := context.Background()

	if err := CreateTables(ctx, f, cfg, time.Second); err != nil {
		t.Fatalf("CreateTables() error = %v", err)
	}

	entities := f.created["e"]
	if entities == nil {
		t.Fatal("entity table not created")
	}
	if entities.StreamSpecification == nil || entities.StreamSpecification.StreamViewType != types.StreamViewTypeOldImage {
		t.Errorf("entity stream = %+v, want OLD_IMAGE", entities.StreamSpecification)
	}
	if f.ttl["e"] != "ttl" {
		t.Errorf("ttl attribute = %q, want ttl", f.ttl["e"])
	}

	links := f.created["l"]
	if links == nil {
		t.Fatal("link table not created")
	}
	if len(links.GlobalSecondaryIndexes) != 1 || *links.GlobalSecondaryIndexes[0].IndexName != "member-index" {
		t.Errorf("link table indexes = %+v, want member-index", links.GlobalSecondaryIndexes)
	}

	// Existing tables are left alone.
	if err := CreateTables(ctx, f, cfg, time.Second); err != nil {
		t.Fatalf("second CreateTables() error = %v", err)
	}
}

func TestDeleteTables(t *testing.T) {
	f := newFakeTables()
	ctx := context.Background()
	cfg := DefaultConfig()

	if err := CreateTables(ctx, f, cfg, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := DeleteTables(ctx, f, cfg); err != nil {
		t.Fatalf("DeleteTables() error = %v", err)
	}
	if len(f.deleted) != 2 {
		t.Errorf("deleted = %v, want both tables", f.deleted)
	}
	if err := DeleteTables(ctx, f, cfg); err != nil {
		t.Errorf("DeleteTables() on missing tables error = %v", err)
	}
}

func TestIgnoreInUse(t *testing.T) {
	if err := ignoreInUse(&types.ResourceInUseException{}); err != nil {
		t.Errorf("ignoreInUse(in use) = %v, want nil", err)
	}
	other := errors.New("boom")
	if err := ignoreInUse(other); err != other {
		t.Errorf("ignoreInUse(other) = %v, want %v", err, other)
	}
}
