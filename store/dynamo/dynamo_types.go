package dynamo

import (
	"strings"

	"github.com/zlnvch/boardsync/models"
)

const (
	actionPrefix = "ACTION#"
	roomPrefix   = "ROOM#"
	roomMetaSK   = "META"
)

type dynamoRoom struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	Id           string `dynamodbav:"Id"`
	Capacity     int    `dynamodbav:"Capacity"`
	ActionCount  int64  `dynamodbav:"ActionCount"`
	LastActivity int64  `dynamodbav:"LastActivity"`
}

// Map domain Room -> Dynamo
func roomToDynamo(r models.Room) dynamoRoom {
	return dynamoRoom{
		PK:           roomPrefix + r.Id,
		SK:           roomMetaSK,
		Id:           r.Id,
		Capacity:     r.Capacity,
		ActionCount:  r.ActionCount,
		LastActivity: r.LastActivity,
	}
}

// Map Dynamo -> domain Room
func roomFromDynamo(dr dynamoRoom) models.Room {
	return models.Room{
		Id:           dr.Id,
		Capacity:     dr.Capacity,
		ActionCount:  dr.ActionCount,
		LastActivity: dr.LastActivity,
	}
}

type dynamoAction struct {
	PK         string         `dynamodbav:"PK"`
	SK         string         `dynamodbav:"SK"`
	Seq        int64          `dynamodbav:"Seq"`
	UserId     string         `dynamodbav:"UserId"`
	Tool       string         `dynamodbav:"Tool"`
	Color      string         `dynamodbav:"Color"`
	ActionType string         `dynamodbav:"ActionType"`
	Points     []models.Point `dynamodbav:"Points,omitempty"`
	Start      *models.Point  `dynamodbav:"Start,omitempty"`
	End        *models.Point  `dynamodbav:"End,omitempty"`
	LineWidth  float64        `dynamodbav:"LineWidth"`
	Timestamp  int64          `dynamodbav:"Timestamp"`
}

// Map domain DrawingAction -> Dynamo
func actionToDynamo(a models.DrawingAction) dynamoAction {
	return dynamoAction{
		PK:         actionPrefix + a.RoomId,
		SK:         a.ActionId,
		Seq:        a.Sequence,
		UserId:     a.UserId,
		Tool:       a.Tool,
		Color:      a.Color,
		ActionType: a.ActionType,
		Points:     a.Coordinates.Points,
		Start:      a.Coordinates.Start,
		End:        a.Coordinates.End,
		LineWidth:  a.Properties.LineWidth,
		Timestamp:  a.Timestamp,
	}
}

// Map Dynamo -> domain DrawingAction
func actionFromDynamo(da dynamoAction) models.DrawingAction {
	return models.DrawingAction{
		ActionId:   da.SK,
		RoomId:     strings.TrimPrefix(da.PK, actionPrefix),
		UserId:     da.UserId,
		Tool:       da.Tool,
		Color:      da.Color,
		ActionType: da.ActionType,
		Coordinates: models.Coordinates{
			Points: da.Points,
			Start:  da.Start,
			End:    da.End,
		},
		Properties: models.ActionProperties{LineWidth: da.LineWidth},
		Timestamp:  da.Timestamp,
		Sequence:   da.Seq,
	}
}
