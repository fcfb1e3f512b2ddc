package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"conference-e2ee/conference"
	"conference-e2ee/configs"
)

type Server struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	redisClient *redis.Client
	connected   map[connKey]*websocket.Conn
	mutex       *sync.Mutex
	logger      *logrus.Logger

	// WebSocket upgrader settings
	upgrader *websocket.Upgrader
}

type connKey struct {
	room        string
	participant string
}

func NewServer(ctx context.Context, redisClient *redis.Client, logger *logrus.Logger) *Server {
	ctx, cancelCtx := context.WithCancel(ctx)
	return &Server{
		ctx:         ctx,
		cancelCtx:   cancelCtx,
		redisClient: redisClient,
		connected:   make(map[connKey]*websocket.Conn),
		mutex:       &sync.Mutex{},
		logger:      logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle incoming WebSocket connections for a room
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	room, ok := mux.Vars(r)["room"]
	if !ok || room == "" {
		s.logger.Error("No room provided in the path")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	participantID := r.URL.Query().Get("id")
	if participantID == "" {
		s.logger.Error("No participant id provided in the query")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	features := splitFeatures(r.URL.Query().Get("features"))

	// Upgrade HTTP request to WebSocket
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Error upgrading to WebSocket: %v", err)
		return
	}
	defer ws.Close()

	key := connKey{room: room, participant: participantID}
	s.mutex.Lock()
	if _, taken := s.connected[key]; taken {
		s.mutex.Unlock()
		s.logger.Errorf("Participant %s is already connected to room %s", participantID, room)
		return
	}
	s.connected[key] = ws
	s.mutex.Unlock()
	s.logger.Infof("Participant %s joined room %s with features %v", participantID, room, features)

	// Record presence so offline relaying knows who belongs to the room
	if err := s.redisClient.SAdd(s.ctx, participantsKey(room), participantID).Err(); err != nil {
		s.logger.Errorf("Error recording presence of %s in room %s: %v", participantID, room, err)
	}
	if len(features) > 0 {
		if err := s.redisClient.HSet(s.ctx, propertiesKey(room, participantID), "features", strings.Join(features, ",")).Err(); err != nil {
			s.logger.Errorf("Error recording features of %s in room %s: %v", participantID, room, err)
		}
	}

	// Send the current roster, then announce the newcomer to the others
	s.sendFrame(room, participantID, &conference.Frame{
		Action:       conference.ActionWelcome,
		Participants: s.roster(room, participantID),
	})
	s.broadcast(room, participantID, &conference.Frame{
		Action:      conference.ActionJoined,
		From:        participantID,
		Participant: &conference.Participant{ID: participantID, Features: features},
	})

	// Deliver messages queued while the participant was away
	s.replayQueuedFrames(room, participantID)

	// Listen for incoming frames
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			s.logger.Errorf("Error reading frame from participant %s: %v", participantID, err)
			break
		}

		var frame conference.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Errorf("Invalid frame format from participant %s: %v", participantID, err)
			continue
		}

		switch frame.Action {
		case conference.ActionMessage:
			s.relayMessage(room, participantID, &frame)
		case conference.ActionProperty:
			s.handleProperty(room, participantID, &frame)
		default:
			s.logger.Warnf("Unhandled frame action %q from participant %s", frame.Action, participantID)
		}
	}

	// Remove the participant and tell the room
	s.mutex.Lock()
	delete(s.connected, key)
	s.mutex.Unlock()

	s.redisClient.SRem(s.ctx, participantsKey(room), participantID)
	s.redisClient.Del(s.ctx, propertiesKey(room, participantID))
	s.redisClient.Del(s.ctx, queueKey(room, participantID))

	s.broadcast(room, participantID, &conference.Frame{Action: conference.ActionLeft, From: participantID})
	s.logger.Infof("Participant %s left room %s", participantID, room)
}

func (s *Server) Close() {
	s.cancelCtx()
	// Close all WebSocket connections
	s.mutex.Lock()
	for _, conn := range s.connected {
		conn.Close()
	}
	s.mutex.Unlock()
	s.redisClient.Close()
}

// Relay a message frame to its addressee, queuing it when the addressee
// belongs to the room but has no live connection
func (s *Server) relayMessage(room string, from string, frame *conference.Frame) {
	to := frame.To
	if to == "" {
		s.logger.Errorf("Message from participant %s has no addressee", from)
		return
	}
	frame.From = from

	if s.sendFrame(room, to, frame) {
		return
	}

	member, err := s.redisClient.SIsMember(s.ctx, participantsKey(room), to).Result()
	if err != nil {
		s.logger.Errorf("Error checking membership of %s in room %s: %v", to, room, err)
		return
	}
	if !member {
		s.logger.Warnf("Dropping message from %s for unknown participant %s in room %s", from, to, room)
		return
	}
	s.queueFrame(room, to, frame)
}

// Store a property value and announce it to the rest of the room
func (s *Server) handleProperty(room string, from string, frame *conference.Frame) {
	if frame.Name == "" {
		s.logger.Errorf("Property frame from participant %s has no name", from)
		return
	}
	if err := s.redisClient.HSet(s.ctx, propertiesKey(room, from), frame.Name, frame.Value).Err(); err != nil {
		s.logger.Errorf("Error storing property %s of participant %s: %v", frame.Name, from, err)
	}

	s.broadcast(room, from, &conference.Frame{
		Action: conference.ActionProperty,
		From:   from,
		Name:   frame.Name,
		Value:  frame.Value,
	})
}

// Queue a frame in Redis for an offline participant
func (s *Server) queueFrame(room string, to string, frame *conference.Frame) {
	frameJSON, err := json.Marshal(frame)
	if err != nil {
		s.logger.Errorf("Error marshalling frame for participant %s: %v", to, err)
		return
	}
	if err := s.redisClient.RPush(s.ctx, queueKey(room, to), frameJSON).Err(); err != nil {
		s.logger.Errorf("Error queuing frame for participant %s in room %s: %v", to, room, err)
	}
}

// Replay queued frames for a participant when they reconnect
func (s *Server) replayQueuedFrames(room string, participantID string) {
	frames, err := s.redisClient.LRange(s.ctx, queueKey(room, participantID), 0, -1).Result()
	if err != nil {
		s.logger.Errorf("Error retrieving queued frames for participant %s: %v", participantID, err)
		return
	}

	for _, frame := range frames {
		if !s.sendRaw(room, participantID, []byte(frame)) {
			return
		}
	}

	// Clear the queue after sending
	s.redisClient.Del(s.ctx, queueKey(room, participantID))
}

// Send a frame to a single participant, reporting whether a live
// connection accepted it
func (s *Server) sendFrame(room string, to string, frame *conference.Frame) bool {
	frameJSON, err := json.Marshal(frame)
	if err != nil {
		s.logger.Errorf("Error marshalling frame for participant %s: %v", to, err)
		return false
	}
	return s.sendRaw(room, to, frameJSON)
}

func (s *Server) sendRaw(room string, to string, frameJSON []byte) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	conn, online := s.connected[connKey{room: room, participant: to}]
	if !online {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, frameJSON); err != nil {
		s.logger.Errorf("Error sending frame to participant %s: %v", to, err)
		return false
	}
	return true
}

// Send a frame to every room participant except one
func (s *Server) broadcast(room string, except string, frame *conference.Frame) {
	frameJSON, err := json.Marshal(frame)
	if err != nil {
		s.logger.Errorf("Error marshalling broadcast frame for room %s: %v", room, err)
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for key, conn := range s.connected {
		if key.room != room || key.participant == except {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, frameJSON); err != nil {
			s.logger.Errorf("Error broadcasting frame to participant %s: %v", key.participant, err)
		}
	}
}

// Build the roster of a room from Redis, excluding one participant
func (s *Server) roster(room string, except string) []conference.Participant {
	ids, err := s.redisClient.SMembers(s.ctx, participantsKey(room)).Result()
	if err != nil {
		s.logger.Errorf("Error retrieving participants of room %s: %v", room, err)
		return nil
	}

	participants := make([]conference.Participant, 0, len(ids))
	for _, id := range ids {
		if id == except {
			continue
		}
		properties, err := s.redisClient.HGetAll(s.ctx, propertiesKey(room, id)).Result()
		if err != nil {
			s.logger.Errorf("Error retrieving properties of participant %s: %v", id, err)
			properties = nil
		}
		features := splitFeatures(properties["features"])
		delete(properties, "features")
		if len(properties) == 0 {
			properties = nil
		}
		participants = append(participants, conference.Participant{
			ID:         id,
			Features:   features,
			Properties: properties,
		})
	}
	return participants
}

// HandleGetParticipants serves the roster of a room over REST.
func (s *Server) HandleGetParticipants(w http.ResponseWriter, r *http.Request) {
	room, ok := mux.Vars(r)["room"]
	if !ok || room == "" {
		s.logger.Error("No room provided in the path")
		http.Error(w, "No room provided", http.StatusBadRequest)
		return
	}

	participants := s.roster(room, "")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(participants); err != nil {
		s.logger.Errorf("Error encoding roster of room %s: %v", room, err)
		http.Error(w, "Error encoding response", http.StatusInternalServerError)
		return
	}
}

func splitFeatures(raw string) []string {
	var features []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			features = append(features, f)
		}
	}
	return features
}

func participantsKey(room string) string {
	return fmt.Sprintf(configs.RoomParticipantsKey, room)
}

func propertiesKey(room string, participantID string) string {
	return fmt.Sprintf(configs.RoomPropertiesKey, room, participantID)
}

func queueKey(room string, participantID string) string {
	return fmt.Sprintf(configs.RoomQueueKey, room, participantID)
}
