// Package dynamo implements store.Store on Amazon DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

// Store talks to DynamoDB through the SDK interface so tests can fake it.
type Store struct {
	db dynamodbiface.DynamoDBAPI
}

// New wraps a DynamoDB client.
func New(db dynamodbiface.DynamoDBAPI) *Store {
	return &Store{db: db}
}

func key(id string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		store.KeyAttribute: {S: aws.String(id)},
	}
}

// classify maps SDK error codes onto the store sentinels.
func classify(err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return err
	}
	switch aerr.Code() {
	case dynamodb.ErrCodeConditionalCheckFailedException:
		return fmt.Errorf("%w: %s", store.ErrConditionFailed, aerr.Message())
	case dynamodb.ErrCodeProvisionedThroughputExceededException,
		dynamodb.ErrCodeRequestLimitExceeded,
		"ThrottlingException":
		return fmt.Errorf("%w: %s", store.ErrThrottled, aerr.Message())
	case dynamodb.ErrCodeResourceNotFoundException:
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, aerr.Message())
	}
	return err
}

func (s *Store) PutItem(ctx context.Context, table string, item typedvalue.Item) error {
	if _, err := store.ItemKey(item); err != nil {
		return err
	}
	_, err := s.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      toItem(item),
	})
	if err != nil {
		return fmt.Errorf("failed to put item into %s: %w", table, classify(err))
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, table, id string) (typedvalue.Item, bool, error) {
	out, err := s.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get item %s from %s: %w", id, table, classify(err))
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	item, err := fromItem(out.Item)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// UpdateItem issues one UpdateItem call. Guards become a ConditionExpression
// over "#c<n>" / ":c<n>" placeholders next to the plan's "#u<n>" ones.
func (s *Store) UpdateItem(ctx context.Context, table, id string, plan store.UpdatePlan, cond store.Condition) error {
	if plan.Empty() {
		return nil
	}
	names := make(map[string]*string, len(plan.Assignments)+len(cond))
	for placeholder, attr := range plan.Names() {
		names[placeholder] = aws.String(attr)
	}
	values := make(map[string]*dynamodb.AttributeValue, len(plan.Values)+len(cond))
	for placeholder, v := range plan.Values {
		values[":"+placeholder] = toAttributeValue(v)
	}

	input := &dynamodb.UpdateItemInput{
		TableName:        aws.String(table),
		Key:              key(id),
		UpdateExpression: aws.String(plan.Expression()),
	}
	if len(cond) > 0 {
		clauses := make([]string, len(cond))
		for i, g := range cond {
			p := fmt.Sprintf("c%d", i)
			names["#"+p] = aws.String(g.Attribute)
			values[":"+p] = toAttributeValue(g.Value)
			clauses[i] = fmt.Sprintf("#%s = :%s", p, p)
		}
		input.ConditionExpression = aws.String(strings.Join(clauses, " AND "))
	}
	input.ExpressionAttributeNames = names
	input.ExpressionAttributeValues = values

	if _, err := s.db.UpdateItemWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to update item %s in %s: %w", id, table, classify(err))
	}
	return nil
}

func (s *Store) BatchWriteItems(ctx context.Context, table string, items []typedvalue.Item) ([]typedvalue.Item, error) {
	requests := make([]*dynamodb.WriteRequest, len(items))
	for i, item := range items {
		if _, err := store.ItemKey(item); err != nil {
			return nil, err
		}
		requests[i] = &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: toItem(item)}}
	}

	out, err := s.db.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]*dynamodb.WriteRequest{table: requests},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to batch write %d items into %s: %w", len(items), table, classify(err))
	}

	pending := out.UnprocessedItems[table]
	unprocessed := make([]typedvalue.Item, 0, len(pending))
	for _, req := range pending {
		if req.PutRequest == nil {
			continue
		}
		item, err := fromItem(req.PutRequest.Item)
		if err != nil {
			return nil, err
		}
		unprocessed = append(unprocessed, item)
	}
	return unprocessed, nil
}

// Scan pages through the table with a FilterExpression of ANDed equality
// tests.
func (s *Store) Scan(ctx context.Context, table string, filter store.Filter) ([]typedvalue.Item, error) {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(true),
	}
	if len(filter) > 0 {
		attrs := make([]string, 0, len(filter))
		for attr := range filter {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)

		names := make(map[string]*string, len(attrs))
		values := make(map[string]*dynamodb.AttributeValue, len(attrs))
		clauses := make([]string, len(attrs))
		for i, attr := range attrs {
			p := fmt.Sprintf("f%d", i)
			names["#"+p] = aws.String(attr)
			values[":"+p] = toAttributeValue(filter[attr])
			clauses[i] = fmt.Sprintf("#%s = :%s", p, p)
		}
		input.FilterExpression = aws.String(strings.Join(clauses, " AND "))
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}

	var items []typedvalue.Item
	var convErr error
	err := s.db.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, raw := range page.Items {
			item, err := fromItem(raw)
			if err != nil {
				convErr = err
				return false
			}
			items = append(items, item)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, classify(err))
	}
	if convErr != nil {
		return nil, convErr
	}
	return items, nil
}

func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	_, err := s.db.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err == nil {
		return true, nil
	}
	if errors.Is(classify(err), store.ErrTableNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("failed to describe table %s: %w", table, err)
}

var _ store.Store = (*Store)(nil)
