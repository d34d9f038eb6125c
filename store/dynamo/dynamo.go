package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/zlnvch/boardsync/models"
	"github.com/zlnvch/boardsync/store"
)

const deleteThrottle = 50 * time.Millisecond

// DynamoBoardStore keeps rooms and drawing actions in a single table:
// ROOM#<id>/META for room metadata and ACTION#<room>/<actionId> for each action.
type DynamoBoardStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoBoardStore(ctx context.Context, devMode bool, endpoint string, tableName string) (*DynamoBoardStore, error) {
	client, err := NewClient(ctx, devMode, endpoint)
	if err != nil {
		return nil, err
	}

	found, err := tableExists(ctx, client, tableName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoBoardStore{client: client, tableName: tableName}, nil
}

func (s *DynamoBoardStore) SaveBatch(ctx context.Context, actions []models.DrawingAction) ([]models.DrawingAction, error) {
	var failed []models.DrawingAction

	for i := 0; i < len(actions); i += maxBatchWrite {
		chunk := actions[i:min(i+maxBatchWrite, len(actions))]

		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, action := range chunk {
			avMap, err := attributevalue.MarshalMap(actionToDynamo(action))
			if err != nil {
				return append(failed, actions[i:]...), fmt.Errorf("marshal error: %w", err)
			}
			requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: avMap}})
		}

		unprocessed, err := writeBatchRequests[dynamoAction](s, ctx, requests)
		for _, u := range unprocessed {
			failed = append(failed, actionFromDynamo(u))
		}
		if err != nil {
			return append(failed, actions[i+len(chunk):]...), err
		}
	}

	return failed, nil
}

func (s *DynamoBoardStore) DeleteByRoom(ctx context.Context, roomId string) error {
	_, err := batchDeleteByPKThrottled(s, ctx, actionPrefix+roomId, deleteThrottle)
	return err
}

func (s *DynamoBoardStore) DeleteAction(ctx context.Context, roomId string, actionId string) error {
	return deleteExisting(s, ctx, actionPrefix+roomId, actionId)
}

// FindByRoom returns one page of a room's actions in arrival order. Pages are 1-based.
func (s *DynamoBoardStore) FindByRoom(ctx context.Context, roomId string, page int, size int) (models.ActionPage, error) {
	items, err := queryAllByPK[dynamoAction](s, ctx, actionPrefix+roomId)
	if err != nil {
		return models.ActionPage{}, err
	}

	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })

	result := models.ActionPage{Page: page, Size: size, Total: len(items), Actions: []models.DrawingAction{}}
	start := (page - 1) * size
	if start >= len(items) {
		return result, nil
	}
	for _, item := range items[start:min(start+size, len(items))] {
		result.Actions = append(result.Actions, actionFromDynamo(item))
	}
	return result, nil
}

func (s *DynamoBoardStore) GetRoom(ctx context.Context, roomId string) (models.Room, error) {
	dr, err := getItem[dynamoRoom](s, ctx, roomPrefix+roomId, roomMetaSK)
	if err != nil {
		return models.Room{}, err
	}
	return roomFromDynamo(dr), nil
}

func (s *DynamoBoardStore) CreateRoom(ctx context.Context, room models.Room) (models.Room, bool, error) {
	room.LastActivity = time.Now().UnixMilli()
	dr, created, err := ensureItem(s, ctx, roomToDynamo(room), roomPrefix+room.Id, roomMetaSK)
	if err != nil {
		return models.Room{}, false, err
	}
	return roomFromDynamo(dr), created, nil
}

// PutRoom updates the room's capacity, creating the room if needed. The action counter
// is never reset.
func (s *DynamoBoardStore) PutRoom(ctx context.Context, room models.Room) (models.Room, error) {
	dr, err := setFields[dynamoRoom](s, ctx, roomPrefix+room.Id, roomMetaSK, map[string]types.AttributeValue{
		"Capacity": &types.AttributeValueMemberN{Value: fmt.Sprint(room.Capacity)},
	})
	if errors.Is(err, store.ErrItemNotFound) {
		created, _, err := s.CreateRoom(ctx, room)
		return created, err
	}
	if err != nil {
		return models.Room{}, err
	}
	return roomFromDynamo(dr), nil
}

func (s *DynamoBoardStore) DeleteRoom(ctx context.Context, roomId string) error {
	return deleteExisting(s, ctx, roomPrefix+roomId, roomMetaSK)
}

func (s *DynamoBoardStore) IncrementActionCount(ctx context.Context, roomId string, count int) error {
	return incrementCounter(s, ctx, roomPrefix+roomId, roomMetaSK, "ActionCount", "LastActivity", count)
}
