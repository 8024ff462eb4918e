package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/middleware"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/rtc"
	"github.com/mossy-p/roomserver/internal/signaling"
)

const directoryTimeout = 3 * time.Second

// RoomDirectory finds rooms hosted by other servers sharing the same store.
type RoomDirectory interface {
	GetRoom(ctx context.Context, roomID string) (*models.RoomMetadata, error)
}

type RoomAPIParams struct {
	Tokens     *auth.Service
	Rooms      *rtc.RoomRegistry
	Peers      *rtc.PeerRegistry
	Supervisor *signaling.Supervisor
	Directory  RoomDirectory
	Logger     *zap.SugaredLogger
}

// RoomAPI is the HTTP admin surface over the room registry. Every route expects
// middleware.BearerAuth to have run.
type RoomAPI struct {
	tokens     *auth.Service
	rooms      *rtc.RoomRegistry
	peers      *rtc.PeerRegistry
	supervisor *signaling.Supervisor
	directory  RoomDirectory
	logger     *zap.SugaredLogger
}

func NewRoomAPI(params RoomAPIParams) *RoomAPI {
	if params.Logger == nil {
		params.Logger = zap.NewNop().Sugar()
	}
	return &RoomAPI{
		tokens:     params.Tokens,
		rooms:      params.Rooms,
		peers:      params.Peers,
		supervisor: params.Supervisor,
		directory:  params.Directory,
		logger:     params.Logger,
	}
}

// CreateRoomToken mints a room token; the room id is generated when omitted.
func (a *RoomAPI) CreateRoomToken(c *gin.Context) {
	var req models.CreateRoomTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expiresIn := time.Duration(req.ExpiresInMinutes) * time.Minute
	claims, token, err := a.tokens.IssueRoomToken(req.RoomID, req.TrackingID, expiresIn)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.CreateRoomTokenResponse{
		RoomID:     claims.RoomID,
		TrackingID: claims.TrackingID,
		RoomToken:  token,
	})
}

// CreateRoom creates a room owned by the caller
func (a *RoomAPI) CreateRoom(c *gin.Context) {
	claims := middleware.Claims(c)

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := a.rooms.CreateRoom(c.Request.Context(), rtc.CreateRoomParams{
		RoomID:    req.RoomID,
		RoomToken: req.RoomToken,
		Name:      req.Name,
		Owner:     claims.Username,
		Config:    req.Config,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	a.logger.Infow("room created over http", "roomID", room.ID(), "owner", claims.Username)
	c.JSON(http.StatusCreated, room.Metadata())
}

// GetRoom answers from the local registry first, then from the shared directory
func (a *RoomAPI) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	if room := a.rooms.GetRoom(roomID); room != nil {
		c.JSON(http.StatusOK, room.Metadata())
		return
	}
	if a.directory == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), directoryTimeout)
	defer cancel()
	meta, err := a.directory.GetRoom(ctx, roomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// DeleteRoom closes a room (admin or the room's owner)
func (a *RoomAPI) DeleteRoom(c *gin.Context) {
	claims := middleware.Claims(c)
	roomID := c.Param("roomId")

	room := a.rooms.GetRoom(roomID)
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if claims.Role != auth.RoleAdmin && room.Owner() != claims.Username {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room owner can delete the room"})
		return
	}

	reason := c.Query("reason")
	if !a.rooms.CloseRoom(roomID, reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	a.logger.Infow("room deleted over http", "roomID", roomID, "by", claims.Username)
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// Status reports what this server currently hosts
func (a *RoomAPI) Status(c *gin.Context) {
	rooms := a.rooms.Rooms()
	status := models.ServerStatus{
		Rooms:       len(rooms),
		Peers:       a.peers.Count(),
		Connections: a.supervisor.Connections(),
		RoomList:    make([]models.RoomMetadata, 0, len(rooms)),
	}
	for _, room := range rooms {
		status.RoomList = append(status.RoomList, room.Metadata())
	}
	c.JSON(http.StatusOK, status)
}

func writeError(c *gin.Context, err error) {
	c.JSON(httpStatus(models.CodeOf(err)), gin.H{"error": err.Error(), "errorCode": models.CodeOf(err)})
}

func httpStatus(code models.ErrorCode) int {
	switch code {
	case models.CodeInvalidToken, models.CodeNotRegistered:
		return http.StatusUnauthorized
	case models.CodeUnauthorized:
		return http.StatusForbidden
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeAlreadyExists, models.CodeAlreadyRegistered, models.CodeFull, models.CodeClosed:
		return http.StatusConflict
	case models.CodeParseError:
		return http.StatusBadRequest
	case models.CodeResourceUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
