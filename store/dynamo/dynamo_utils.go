package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zlnvch/boardsync/store"
)

const (
	maxBatchWrite = 25
	queryPageSize = int32(200)
)

// NewClient builds a DynamoDB client. In dev mode it talks to a local endpoint with
// dummy credentials; otherwise it uses the default AWS credential chain.
func NewClient(ctx context.Context, devMode bool, endpoint string) (*dynamodb.Client, error) {
	if devMode {
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion("us-east-1"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")),
		)
		if err != nil {
			return nil, err
		}
		return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}), nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func tableExists(ctx context.Context, client *dynamodb.Client, tableName string) (bool, error) {
	paginator := dynamodb.NewListTablesPaginator(client, &dynamodb.ListTablesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return false, err
		}
		for _, name := range page.TableNames {
			if name == tableName {
				return true, nil
			}
		}
	}
	return false, nil
}

func itemKey(pk string, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// getItem loads the item at pk/sk into T.
func getItem[T any](s *DynamoBoardStore, ctx context.Context, pk string, sk string) (T, error) {
	var item T

	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pk, sk),
	})
	if err != nil {
		return item, fmt.Errorf("GetItem failed: %w", err)
	}
	if resp.Item == nil {
		return item, store.ErrItemNotFound
	}
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return item, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item, nil
}

// ensureItem inserts item unless its key is already taken, in which case the stored
// item is returned. The bool reports whether the insert happened.
func ensureItem[T any](s *DynamoBoardStore, ctx context.Context, item T, pk string, sk string) (T, bool, error) {
	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return item, false, fmt.Errorf("marshal error: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                avMap,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return item, true, nil
	}

	var cce *types.ConditionalCheckFailedException
	if !errors.As(err, &cce) {
		return item, false, fmt.Errorf("failed to put item: %w", err)
	}

	existing, err := getItem[T](s, ctx, pk, sk)
	if err != nil {
		return item, false, fmt.Errorf("failed to get existing item: %w", err)
	}
	return existing, false, nil
}

// queryAllByPK returns every item under pk in SK order.
func queryAllByPK[T any](s *DynamoBoardStore, ctx context.Context, pk string) ([]T, error) {
	var results []T

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		Limit: aws.Int32(queryPageSize),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}

		var items []T
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal page items: %w", err)
		}
		results = append(results, items...)
	}

	return results, nil
}

// writeBatchRequests sends up to 25 write requests, retrying unprocessed ones with
// backoff. Whatever is still unprocessed when ctx ends or the call fails is returned as T.
func writeBatchRequests[T any](s *DynamoBoardStore, ctx context.Context, requests []types.WriteRequest) ([]T, error) {
	backoff := 50 * time.Millisecond

	for len(requests) > 0 {
		resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: requests},
		})
		if err != nil {
			return unmarshalUnprocessed[T](requests), fmt.Errorf("BatchWriteItem failed: %w", err)
		}

		requests = resp.UnprocessedItems[s.tableName]
		if len(requests) == 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return unmarshalUnprocessed[T](requests), ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Second)
	}

	return nil, nil
}

func unmarshalUnprocessed[T any](reqs []types.WriteRequest) []T {
	failed := make([]T, 0, len(reqs))
	for _, wr := range reqs {
		var av map[string]types.AttributeValue
		switch {
		case wr.PutRequest != nil:
			av = wr.PutRequest.Item
		case wr.DeleteRequest != nil:
			av = wr.DeleteRequest.Key
		default:
			continue
		}

		var item T
		if err := attributevalue.UnmarshalMap(av, &item); err == nil {
			failed = append(failed, item)
		}
	}
	return failed
}

// deleteExisting deletes pk/sk, returning store.ErrItemNotFound if nothing was there.
func deleteExisting(s *DynamoBoardStore, ctx context.Context, pk string, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 itemKey(pk, sk),
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return store.ErrItemNotFound
		}
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// batchDeleteByPKThrottled deletes every item under pk in 25-item batches, pausing
// between batches so one large room does not eat the table's write capacity.
func batchDeleteByPKThrottled(s *DynamoBoardStore, ctx context.Context, pk string, throttle time.Duration) (int, error) {
	var lastEvaluatedKey map[string]types.AttributeValue
	deleted := 0

	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ProjectionExpression: aws.String("PK, SK"),
			Limit:                aws.Int32(queryPageSize),
			ExclusiveStartKey:    lastEvaluatedKey,
		})
		if err != nil {
			return deleted, fmt.Errorf("query failed: %w", err)
		}

		requests := make([]types.WriteRequest, 0, len(resp.Items))
		for _, item := range resp.Items {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
				},
			})
		}

		for i := 0; i < len(requests); i += maxBatchWrite {
			end := min(i+maxBatchWrite, len(requests))
			started := time.Now()

			if _, err := writeBatchRequests[map[string]types.AttributeValue](s, ctx, requests[i:end]); err != nil {
				return deleted, fmt.Errorf("batch delete failed: %w", err)
			}
			deleted += end - i

			if wait := throttle - time.Since(started); wait > 0 {
				select {
				case <-ctx.Done():
					return deleted, ctx.Err()
				case <-time.After(wait):
				}
			}
		}

		lastEvaluatedKey = resp.LastEvaluatedKey
		if lastEvaluatedKey == nil {
			return deleted, nil
		}
	}
}

// setFields overwrites the named attributes of an existing item and returns the item
// as stored afterwards. Attributes not named are left untouched.
func setFields[T any](s *DynamoBoardStore, ctx context.Context, pk string, sk string, fields map[string]types.AttributeValue) (T, error) {
	var updated T

	updateExpr := ""
	names := make(map[string]string, len(fields))
	values := make(map[string]types.AttributeValue, len(fields))
	for field, value := range fields {
		if updateExpr == "" {
			updateExpr = "SET "
		} else {
			updateExpr += ", "
		}
		updateExpr += fmt.Sprintf("#%s = :%s", field, field)
		names["#"+field] = field
		values[":"+field] = value
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       itemKey(pk, sk),
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return updated, store.ErrItemNotFound
		}
		return updated, fmt.Errorf("update failed: %w", err)
	}

	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return updated, fmt.Errorf("failed to unmarshal updated item: %w", err)
	}
	return updated, nil
}

// incrementCounter adds count to counterField of an existing item and stamps touchField
// with the current unix millis. A missing item yields store.ErrItemNotFound, so a late
// counter flush cannot resurrect a deleted room.
func incrementCounter(s *DynamoBoardStore, ctx context.Context, pk string, sk string, counterField string, touchField string, count int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              itemKey(pk, sk),
		UpdateExpression: aws.String("SET #c = if_not_exists(#c, :zero) + :val, #t = :now"),
		ExpressionAttributeNames: map[string]string{
			"#c": counterField,
			"#t": touchField,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":val":  &types.AttributeValueMemberN{Value: strconv.Itoa(count)},
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":now":  &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
		},
		ConditionExpression: aws.String("attribute_exists(PK)"),
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return fmt.Errorf("increment %s on %s: %w", counterField, pk, store.ErrItemNotFound)
		}
		return fmt.Errorf("increment counter failed: %w", err)
	}
	return nil
}
