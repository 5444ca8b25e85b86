// Package dynamo implements pkg/ledger.Ledger against a DynamoDB table,
// using a ConditionExpression to make Debit a single atomic round trip
// rather than a client-side read-modify-write.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"

	"github.com/x402-rs/x402-gateway/pkg/ledger"
)

const (
	attrAddress   = "address"
	attrBalance   = "balance_micros"
	attrTimestamp = "latest_timestamp"
)

// Store is a DynamoDB-backed implementation of ledger.Ledger. The table
// schema is one item per address: a string partition key "address" plus
// two numeric attributes, "balance_micros" and "latest_timestamp".
type Store struct {
	client *dynamodb.Client
	table  string
}

// Open loads the default AWS SDK v2 config (environment, shared config
// file, or attached role, in that order) and returns a Store bound to
// table.
func Open(ctx context.Context, table string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, &ledger.StorageError{Err: fmt.Errorf("dynamo: load aws config: %w", err)}
	}
	return &Store{client: dynamodb.NewFromConfig(cfg), table: table}, nil
}

// NewWithClient wraps an already-constructed client, primarily for tests
// against a fake or local DynamoDB endpoint.
func NewWithClient(client *dynamodb.Client, table string) *Store {
	return &Store{client: client, table: table}
}

// Get implements ledger.Ledger.
func (s *Store) Get(ctx context.Context, address ledger.Address) (ledger.UserRecord, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrAddress: &types.AttributeValueMemberS{Value: string(address)},
		},
	})
	if err != nil {
		return ledger.UserRecord{}, false, &ledger.StorageError{Err: err}
	}
	if out.Item == nil {
		return ledger.UserRecord{}, false, nil
	}
	rec, err := decodeItem(out.Item)
	if err != nil {
		return ledger.UserRecord{}, false, err
	}
	return rec, true, nil
}

func decodeItem(item map[string]types.AttributeValue) (ledger.UserRecord, error) {
	balance, err := numAttr(item, attrBalance)
	if err != nil {
		return ledger.UserRecord{}, err
	}
	ts, err := numAttr(item, attrTimestamp)
	if err != nil {
		return ledger.UserRecord{}, err
	}
	return ledger.UserRecord{BalanceMicros: balance, LatestTimestamp: ts}, nil
}

func numAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	av, ok := item[name]
	if !ok {
		return 0, &ledger.AttributeMissingError{Attribute: name}
	}
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, &ledger.ParseError{Attribute: name, Value: fmt.Sprintf("%T", av)}
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, &ledger.ParseError{Attribute: name, Value: n.Value}
	}
	return v, nil
}

// Credit implements ledger.Ledger using an atomic if_not_exists update so
// the item is created on first deposit without a preceding read.
func (s *Store) Credit(ctx context.Context, address ledger.Address, amountMicros int64) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrAddress: &types.AttributeValueMemberS{Value: string(address)},
		},
		UpdateExpression: aws.String(
			"SET balance_micros = if_not_exists(balance_micros, :zero) + :amount, " +
				"latest_timestamp = if_not_exists(latest_timestamp, :zero)",
		),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":amount": &types.AttributeValueMemberN{Value: strconv.FormatInt(amountMicros, 10)},
			":zero":   &types.AttributeValueMemberN{Value: "0"},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, &ledger.StorageError{Err: err}
	}
	balance, err := numAttr(out.Attributes, attrBalance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Debit implements ledger.Ledger. The ConditionExpression makes the
// sufficiency check and the write a single atomic operation: DynamoDB
// rejects the update outright if the current balance is too low, so no
// client-side lock or retry loop is needed.
func (s *Store) Debit(ctx context.Context, address ledger.Address, amountMicros int64, tsSeconds int64) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrAddress: &types.AttributeValueMemberS{Value: string(address)},
		},
		UpdateExpression:    aws.String("SET balance_micros = balance_micros - :amount, latest_timestamp = :ts"),
		ConditionExpression: aws.String("attribute_exists(balance_micros) AND balance_micros >= :amount"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":amount": &types.AttributeValueMemberN{Value: strconv.FormatInt(amountMicros, 10)},
			":ts":     &types.AttributeValueMemberN{Value: strconv.FormatInt(tsSeconds, 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			has, _ := s.currentBalance(ctx, address)
			return 0, &ledger.InsufficientBalanceError{Has: has, Need: amountMicros}
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException" {
			has, _ := s.currentBalance(ctx, address)
			return 0, &ledger.InsufficientBalanceError{Has: has, Need: amountMicros}
		}
		return 0, &ledger.StorageError{Err: err}
	}
	balance, err := numAttr(out.Attributes, attrBalance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// currentBalance best-effort fetches the pre-failure balance to enrich
// the InsufficientBalanceError; a lookup failure just leaves Has at 0.
func (s *Store) currentBalance(ctx context.Context, address ledger.Address) (int64, error) {
	rec, ok, err := s.Get(ctx, address)
	if err != nil || !ok {
		return 0, err
	}
	return rec.BalanceMicros, nil
}
