package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/orderpipeline/internal/aws"
)

// Secondary indexes expected on the orders table.
const (
	CustomerIndex = "customer_id-index"
	StatusIndex   = "status-index"
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

var _ Repository = (*Store)(nil)

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create writes a new order guarded by attribute_not_exists(order_id).
func (s *Store) Create(ctx context.Context, order Order) error {
	o := prepareNew(order, s.nowFunc().UTC())

	item, err := attributevalue.MarshalMap(o)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches an order by order_id with a strongly consistent read.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key,
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	if o.History == nil {
		o.History = []HistoryEntry{}
	}
	return &o, nil
}

// UpdateStatus moves the order to newStatus if its stored version still
// equals expectedVersion. The transition is checked against a fresh read;
// the write itself is guarded by a condition on version so a concurrent
// writer that commits first turns this call into ErrVersionConflict.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, expectedVersion int64, newStatus Status, detail string) (int64, error) {
	current, err := s.Get(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if err := checkTransition(current, expectedVersion, newStatus); err != nil {
		return 0, err
	}

	now := s.nowFunc().UTC()
	entry, err := attributevalue.MarshalMap(HistoryEntry{
		FromStatus: current.Status,
		ToStatus:   newStatus,
		Timestamp:  now,
		Detail:     detail,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal history entry: %w", err)
	}
	ua, err := attributevalue.Marshal(now)
	if err != nil {
		return 0, fmt.Errorf("marshal timestamp: %w", err)
	}

	next := expectedVersion + 1
	updateExpr := "SET #s = :new, #v = :next, updated_at = :ua, history = list_append(if_not_exists(history, :empty), :entry)"
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: string(newStatus)},
		":next":     &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
		":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		":ua":       ua,
		":empty":    &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":entry":    &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberM{Value: entry}}},
	}
	if newStatus == StatusFailed {
		updateExpr += ", error_detail = :err"
		values[":err"] = &types.AttributeValueMemberS{Value: detail}
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:          &updateExpr,
		ConditionExpression:       awsString("#v = :expected"),
		ExpressionAttributeNames:  map[string]string{"#s": "status", "#v": "version"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("update item: %w", err)
	}
	return next, nil
}

// ListByCustomer queries the customer index newest first.
func (s *Store) ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error) {
	input := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(CustomerIndex),
		KeyConditionExpression: awsString("customer_id = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: customerID},
		},
		ScanIndexForward: awsBool(false),
	}
	if limit > 0 {
		input.Limit = awsInt32(int32(limit))
	}
	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query customer orders: %w", err)
	}
	var list []Order
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &list); err != nil {
		return nil, fmt.Errorf("unmarshal orders: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ListStale queries the status index once per non-terminal status.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	cut, err := attributevalue.Marshal(cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal cutoff: %w", err)
	}

	var stale []Order
	for _, st := range pipelineOrder {
		if st.Terminal() {
			continue
		}
		var startKey map[string]types.AttributeValue
		for {
			out, err := s.client.Query(ctx, &dyn.QueryInput{
				TableName:              &s.tableName,
				IndexName:              awsString(StatusIndex),
				KeyConditionExpression: awsString("#s = :s AND updated_at < :cutoff"),
				ExpressionAttributeNames: map[string]string{
					"#s": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":s":      &types.AttributeValueMemberS{Value: string(st)},
					":cutoff": cut,
				},
				ExclusiveStartKey: startKey,
			})
			if err != nil {
				return nil, fmt.Errorf("query stale %s orders: %w", st, err)
			}
			var page []Order
			if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
				return nil, fmt.Errorf("unmarshal orders: %w", err)
			}
			for _, o := range page {
				// string keys only approximate time order within one second
				if o.UpdatedAt.Before(cutoff) {
					stale = append(stale, o)
				}
			}
			if len(out.LastEvaluatedKey) == 0 {
				break
			}
			startKey = out.LastEvaluatedKey
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool { return &b }
func awsInt32(i int32) *int32 { return &i }
