package dynamo

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDB is an in-memory stand-in for the DynamoDB tables used by Store.
// It understands exactly the key and condition expressions Store sends.
type fakeDB struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue

	// pageSize limits query pages to exercise pagination. 0 means unlimited.
	pageSize int

	// transactErr fails the next TransactWriteItems call.
	transactErr error

	transactCalls int
	lastTransact  *dynamodb.TransactWriteItemsInput
}

var _ API = (*fakeDB)(nil)

func newFakeDB() *fakeDB {
	return &fakeDB{tables: make(map[string]map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	if pk, ok := item["pk"]; ok {
		return str(pk) + "|" + str(item["sk"])
	}
	return str(item["entity_ref"])
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func (f *fakeDB) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]map[string]types.AttributeValue)
		f.tables[name] = t
	}
	return t
}

func (f *fakeDB) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.table(table))
}

func (f *fakeDB) raw(table, key string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table(table)[key]
}

func (f *fakeDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.table(*in.TableName)[itemKey(in.Key)]}, nil
}

func (f *fakeDB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	attr, want := "pk", str(in.ExpressionAttributeValues[":pk"])
	if in.IndexName != nil {
		attr, want = "member_key", str(in.ExpressionAttributeValues[":mk"])
	}

	var keys []string
	for k, item := range f.table(*in.TableName) {
		if str(item[attr]) == want {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	if in.ExclusiveStartKey != nil {
		start := itemKey(in.ExclusiveStartKey)
		i := sort.SearchStrings(keys, start)
		if i < len(keys) && keys[i] == start {
			i++
		}
		keys = keys[i:]
	}

	out := &dynamodb.QueryOutput{}
	if f.pageSize > 0 && len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		last := f.table(*in.TableName)[keys[len(keys)-1]]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"pk": last["pk"], "sk": last["sk"]}
	}
	for _, k := range keys {
		out.Items = append(out.Items, f.table(*in.TableName)[k])
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *fakeDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := f.table(*in.TableName)
	key := itemKey(in.Key)
	current := t[key]
	if !f.check(in.ConditionExpression, in.ExpressionAttributeValues, current) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	if *in.UpdateExpression != "SET #ttl = :ttl, #version = #version + :one" {
		panic("fakeDB: unexpected update " + *in.UpdateExpression)
	}

	next := make(map[string]types.AttributeValue, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next["ttl"] = in.ExpressionAttributeValues[":ttl"]
	next["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(num(current["version"])+1, 10)}
	t[key] = next
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDB) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.transactCalls++
	f.lastTransact = in
	if err := f.transactErr; err != nil {
		f.transactErr = nil
		return nil, err
	}
	if len(in.TransactItems) > MaxTransactItems {
		return nil, fmt.Errorf("ValidationException: too many items")
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		var ok bool
		switch {
		case item.Put != nil:
			p := item.Put
			ok = f.check(p.ConditionExpression, p.ExpressionAttributeValues, f.table(*p.TableName)[itemKey(p.Item)])
		case item.Delete != nil:
			d := item.Delete
			ok = f.check(d.ConditionExpression, d.ExpressionAttributeValues, f.table(*d.TableName)[itemKey(d.Key)])
		default:
			panic("fakeDB: unsupported transact item")
		}
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range in.TransactItems {
		if p := item.Put; p != nil {
			f.table(*p.TableName)[itemKey(p.Item)] = p.Item
		} else {
			delete(f.table(*item.Delete.TableName), itemKey(item.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDB) check(cond *string, values map[string]types.AttributeValue, current map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	switch *cond {
	case "#version = :expected":
		return current != nil && num(current["version"]) == num(values[":expected"])
	case "attribute_not_exists(entity_ref) OR #ttl <= :now":
		return current == nil || IsExpired(current, time.Unix(num(values[":now"]), 0))
	case "attribute_exists(entity_ref) AND (" + TTLFilterExpr() + ")":
		return current != nil && !IsExpired(current, time.Unix(num(values[":now"]), 0))
	}
	panic("fakeDB: unexpected condition " + *cond)
}
