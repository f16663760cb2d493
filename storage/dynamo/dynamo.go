// Package dynamo implements storage.Storage on a DynamoDB table with a string
// partition key "pk", a binary attribute "v" and a numeric TTL attribute "ttl".
//
// DynamoDB deletes expired items lazily, so Get also checks "ttl" itself.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/MrEthical07/authflow/storage"
)

const (
	attrKey   = "pk"
	attrValue = "v"
	attrTTL   = "ttl"
)

// API is the subset of the DynamoDB client the store calls.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store reads with strong consistency so a write is visible to the next step.
type Store struct {
	api   API
	table string
	now   func() time.Time
}

// New wraps api. table must already exist with TTL enabled on "ttl".
func New(api API, table string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: nil client")
	}
	if table == "" {
		return nil, errors.New("dynamo: table name required")
	}
	return &Store{api: api, table: table, now: time.Now}, nil
}

var (
	_ storage.Storage = (*Store)(nil)
	_ storage.Swapper = (*Store)(nil)
)

// swapCondition matches only a live item still holding :prev.
const swapCondition = "#v = :prev AND (attribute_not_exists(#t) OR #t > :now)"

func (s *Store) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	if raw, ok := out.Item[attrTTL].(*types.AttributeValueMemberN); ok {
		exp, err := strconv.ParseInt(raw.Value, 10, 64)
		if err != nil || s.now().Unix() >= exp {
			return nil, false, nil
		}
	}

	value, ok := out.Item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, nil
	}
	return value.Value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return errors.New("dynamo: negative ttl")
	}
	item := s.itemKey(key)
	item[attrValue] = &types.AttributeValueMemberB{Value: value}
	if ttl > 0 {
		// TTL has second granularity; round up so entries never expire early.
		exp := s.now().Add(ttl + time.Second - 1).Unix()
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}

	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(key),
	}); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

// Swap implements storage.Swapper with a conditional put or delete.
func (s *Store) Swap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		return false, errors.New("dynamo: negative ttl")
	}
	names := map[string]string{"#v": attrValue, "#t": attrTTL}
	values := map[string]types.AttributeValue{
		":prev": &types.AttributeValueMemberB{Value: prev},
		":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
	}

	var err error
	if next == nil {
		_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.table),
			Key:                       s.itemKey(key),
			ConditionExpression:       aws.String(swapCondition),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
	} else {
		item := s.itemKey(key)
		item[attrValue] = &types.AttributeValueMemberB{Value: next}
		if ttl > 0 {
			exp := s.now().Add(ttl + time.Second - 1).Unix()
			item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
		}
		_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(s.table),
			Item:                      item,
			ConditionExpression:       aws.String(swapCondition),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
	}
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return true, nil
}
