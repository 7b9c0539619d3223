package dynamo

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI

	updates   []*dynamodb.UpdateItemInput
	updateErr error
	batch     *dynamodb.BatchWriteItemInput
	scanned   *dynamodb.ScanInput
	pages     [][]map[string]*dynamodb.AttributeValue
	tables    map[string]bool
}

func (f *fakeDynamo) UpdateItemWithContext(ctx aws.Context, in *dynamodb.UpdateItemInput, opts ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) BatchWriteItemWithContext(ctx aws.Context, in *dynamodb.BatchWriteItemInput, opts ...request.Option) (*dynamodb.BatchWriteItemOutput, error) {
	f.batch = in
	for table, reqs := range in.RequestItems {
		return &dynamodb.BatchWriteItemOutput{
			UnprocessedItems: map[string][]*dynamodb.WriteRequest{table: reqs[len(reqs)-1:]},
		}, nil
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamo) ScanPagesWithContext(ctx aws.Context, in *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, opts ...request.Option) error {
	f.scanned = in
	for i, page := range f.pages {
		if !fn(&dynamodb.ScanOutput{Items: page}, i == len(f.pages)-1) {
			break
		}
	}
	return nil
}

func (f *fakeDynamo) DescribeTableWithContext(ctx aws.Context, in *dynamodb.DescribeTableInput, opts ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	if f.tables[aws.StringValue(in.TableName)] {
		return &dynamodb.DescribeTableOutput{}, nil
	}
	return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "no table", nil)
}

func TestAttributeValueRoundTrip(t *testing.T) {
	item := typedvalue.Item{
		"id":     typedvalue.String("r1"),
		"amount": typedvalue.MustNumber("12.50"),
		"ok":     typedvalue.Bool(true),
		"none":   typedvalue.Null{},
		"nested": typedvalue.Map{"xs": typedvalue.List{typedvalue.IntNumber(1), typedvalue.String("a")}},
		"tags":   typedvalue.StringSet{"a", "b"},
		"nums":   typedvalue.NumberSet{typedvalue.IntNumber(3)},
		"blobs":  typedvalue.BinarySet{[]byte{1, 2}},
	}
	raw := toItem(item)
	if aws.StringValue(raw["amount"].N) != "12.5" {
		t.Fatalf("expected canonical number text, got %q", aws.StringValue(raw["amount"].N))
	}
	back, err := fromItem(raw)
	if err != nil {
		t.Fatalf("fromItem: %v", err)
	}
	for k, v := range item {
		if !typedvalue.Equal(v, back[k]) {
			t.Fatalf("attribute %s: got %#v want %#v", k, back[k], v)
		}
	}
}

func TestUpdateItemBuildsExpressions(t *testing.T) {
	fake := &fakeDynamo{}
	s := New(fake)

	plan := store.NewUpdatePlan()
	plan.Set("name", typedvalue.String("Bob"))
	plan.Set("is_handled", typedvalue.IntNumber(1))
	cond := store.Equals("is_handled", typedvalue.IntNumber(0))

	if err := s.UpdateItem(context.Background(), "staging", "r1", plan, cond); err != nil {
		t.Fatalf("update: %v", err)
	}
	in := fake.updates[0]
	if got := aws.StringValue(in.UpdateExpression); got != "SET #u0 = :u0, #u1 = :u1" {
		t.Fatalf("unexpected update expression %q", got)
	}
	if got := aws.StringValue(in.ConditionExpression); got != "#c0 = :c0" {
		t.Fatalf("unexpected condition expression %q", got)
	}
	if aws.StringValue(in.ExpressionAttributeNames["#c0"]) != "is_handled" ||
		aws.StringValue(in.ExpressionAttributeValues[":c0"].N) != "0" {
		t.Fatalf("guard placeholders not bound: %#v", in)
	}
	if aws.StringValue(in.Key["id"].S) != "r1" {
		t.Fatalf("unexpected key %#v", in.Key)
	}

	if err := s.UpdateItem(context.Background(), "staging", "r1", store.NewUpdatePlan(), cond); err != nil || len(fake.updates) != 1 {
		t.Fatalf("empty plan must not call the service")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := map[string]error{
		dynamodb.ErrCodeConditionalCheckFailedException:        store.ErrConditionFailed,
		dynamodb.ErrCodeProvisionedThroughputExceededException: store.ErrThrottled,
		dynamodb.ErrCodeRequestLimitExceeded:                   store.ErrThrottled,
		"ThrottlingException":                                  store.ErrThrottled,
		dynamodb.ErrCodeResourceNotFoundException:              store.ErrTableNotFound,
	}
	for code, want := range cases {
		fake := &fakeDynamo{updateErr: awserr.New(code, "boom", nil)}
		plan := store.NewUpdatePlan()
		plan.Set("a", typedvalue.String("b"))
		err := New(fake).UpdateItem(context.Background(), "t", "r1", plan, nil)
		if !errors.Is(err, want) {
			t.Errorf("%s: expected %v, got %v", code, want, err)
		}
	}
}

func TestBatchWriteReturnsUnprocessed(t *testing.T) {
	fake := &fakeDynamo{}
	items := []typedvalue.Item{
		{"id": typedvalue.String("a")},
		{"id": typedvalue.String("b")},
	}
	left, err := New(fake).BatchWriteItems(context.Background(), "staging", items)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(fake.batch.RequestItems["staging"]) != 2 {
		t.Fatalf("expected both items submitted")
	}
	if len(left) != 1 || !typedvalue.Equal(left[0]["id"], typedvalue.String("b")) {
		t.Fatalf("unexpected unprocessed items %#v", left)
	}

	if _, err := New(fake).BatchWriteItems(context.Background(), "staging", []typedvalue.Item{{}}); !errors.Is(err, store.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestScanFilterAndPages(t *testing.T) {
	fake := &fakeDynamo{pages: [][]map[string]*dynamodb.AttributeValue{
		{{"id": {S: aws.String("a")}}},
		{{"id": {S: aws.String("b")}}},
	}}
	filter := store.Filter{
		"is_processed": typedvalue.IntNumber(0),
		"file_id":      typedvalue.String("f1"),
	}
	items, err := New(fake).Scan(context.Background(), "staging", filter)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected items from every page, got %d", len(items))
	}
	if got := aws.StringValue(fake.scanned.FilterExpression); got != "#f0 = :f0 AND #f1 = :f1" {
		t.Fatalf("unexpected filter %q", got)
	}
	if aws.StringValue(fake.scanned.ExpressionAttributeNames["#f0"]) != "file_id" {
		t.Fatalf("filter attributes should be sorted")
	}
}

func TestTableExists(t *testing.T) {
	s := New(&fakeDynamo{tables: map[string]bool{"staging": true}})
	if ok, err := s.TableExists(context.Background(), "staging"); err != nil || !ok {
		t.Fatalf("expected staging to exist: %v", err)
	}
	if ok, err := s.TableExists(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("expected missing table to report false: %v", err)
	}
}
