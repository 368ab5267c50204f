package pollsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

const transportSendBufferSize = 32

// a set answer request in flight to the server
type AnswerRequest struct {
	RequestId Id       `json:"request_id"`
	PollId    PollId   `json:"poll_id"`
	ChatId    Id       `json:"chat_id"`
	MessageId Id       `json:"message_id"`
	Options   []string `json:"options"`
}

type ResultFunction func(err error)

// AnswerTransport sends answer requests to the server.
// The result callback is invoked exactly once, asynchronously, unless
// the request is canceled first. Cancel is best effort: a late result
// may still be delivered and is discarded by the caller's generation
// check.
type AnswerTransport interface {
	SendAnswer(request *AnswerRequest, result ResultFunction) (cancel func())
}

type ByJwt struct {
	UserId      Id
	NetworkName string
	NetworkId   Id
	ClientId    Id
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			byJwt.UserId = userId
		}
	}
	if networkName, ok := claims["network_name"]; ok {
		byJwt.NetworkName = networkName.(string)
	}
	if networkIdStr, ok := claims["network_id"]; ok {
		if networkId, err := ParseId(networkIdStr.(string)); err == nil {
			byJwt.NetworkId = networkId
		}
	}
	if clientIdStr, ok := claims["client_id"]; ok {
		if clientId, err := ParseId(clientIdStr.(string)); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ClientId, nil
}

type PlatformTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultPlatformTransportSettings() *PlatformTransportSettings {
	return &PlatformTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

type platformAuth struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version"`
}

type platformFrame struct {
	Type      string         `json:"type"`
	Answer    *AnswerRequest `json:"answer,omitempty"`
	RequestId *Id            `json:"request_id,omitempty"`
	Error     string         `json:"error,omitempty"`
}

const (
	frameTypeAnswer = "answer"
	frameTypeCancel = "cancel"
	frameTypeResult = "result"
)

type platformRequest struct {
	request *AnswerRequest
	result  ResultFunction
}

// PlatformTransport keeps one websocket to the platform, authenticated
// with the client jwt, and routes answer results back by request id.
// Requests still pending when the connection drops are resent on
// reconnect; the server treats resends idempotently and the manager's
// generation check discards anything stale.
type PlatformTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	platformUrl string
	auth        *ClientAuth

	settings *PlatformTransportSettings

	stateLock       sync.Mutex
	pendingRequests map[Id]*platformRequest

	send chan []byte
}

func NewPlatformTransportWithDefaults(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
) *PlatformTransport {
	return NewPlatformTransport(ctx, platformUrl, auth, DefaultPlatformTransportSettings())
}

func NewPlatformTransport(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
	settings *PlatformTransportSettings,
) *PlatformTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &PlatformTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		platformUrl:     platformUrl,
		auth:            auth,
		settings:        settings,
		pendingRequests: map[Id]*platformRequest{},
		send:            make(chan []byte, transportSendBufferSize),
	}
	go transport.run()
	return transport
}

// AnswerTransport
func (self *PlatformTransport) SendAnswer(request *AnswerRequest, result ResultFunction) func() {
	frameBytes, err := json.Marshal(&platformFrame{
		Type:   frameTypeAnswer,
		Answer: request,
	})
	if err != nil {
		panic(err)
	}

	self.stateLock.Lock()
	self.pendingRequests[request.RequestId] = &platformRequest{
		request: request,
		result:  result,
	}
	self.stateLock.Unlock()

	self.enqueue(frameBytes)

	requestId := request.RequestId
	return func() {
		self.stateLock.Lock()
		_, ok := self.pendingRequests[requestId]
		delete(self.pendingRequests, requestId)
		self.stateLock.Unlock()
		if !ok {
			return
		}
		cancelBytes, err := json.Marshal(&platformFrame{
			Type:      frameTypeCancel,
			RequestId: &requestId,
		})
		if err != nil {
			panic(err)
		}
		self.enqueue(cancelBytes)
	}
}

func (self *PlatformTransport) enqueue(frameBytes []byte) {
	select {
	case <-self.ctx.Done():
	case self.send <- frameBytes:
	default:
		// disconnected with a full buffer. The request is resent on
		// reconnect from the pending table.
		glog.V(2).Infof("[pt]drop ->\n")
	}
}

func (self *PlatformTransport) deliverResult(requestId Id, err error) {
	self.stateLock.Lock()
	pendingRequest, ok := self.pendingRequests[requestId]
	delete(self.pendingRequests, requestId)
	self.stateLock.Unlock()
	if !ok {
		// canceled or unknown
		return
	}
	pendingRequest.result(err)
}

func (self *PlatformTransport) resendPending() {
	self.stateLock.Lock()
	pendingRequests := maps.Values(self.pendingRequests)
	self.stateLock.Unlock()

	for _, pendingRequest := range pendingRequests {
		frameBytes, err := json.Marshal(&platformFrame{
			Type:   frameTypeAnswer,
			Answer: pendingRequest.request,
		})
		if err != nil {
			panic(err)
		}
		self.enqueue(frameBytes)
	}
}

func (self *PlatformTransport) run() {
	defer self.cancel()

	clientId, _ := self.auth.ClientId()

	authBytes, err := json.Marshal(&platformAuth{
		ByJwt:      self.auth.ByJwt,
		InstanceId: self.auth.InstanceId,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.platformUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[pt]auth error %s = %s\n", clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.resendPending()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case frameBytes, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[pt]%s-> error = %s\n", clientId, err)
							return
						}
						glog.V(2).Infof("[pt]%s->\n", clientId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[pt]%s<- error = %s\n", clientId, err)
						return
					}

					switch messageType {
					case websocket.BinaryMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[pt]ping %s<-\n", clientId)
							continue
						}

						frame := &platformFrame{}
						if err := json.Unmarshal(message, frame); err != nil {
							glog.Infof("[pt]bad frame %s<- = %s\n", clientId, err)
							continue
						}
						switch frame.Type {
						case frameTypeResult:
							if frame.RequestId == nil {
								glog.Infof("[pt]result frame without request id %s<-\n", clientId)
								continue
							}
							var resultErr error
							if frame.Error != "" {
								resultErr = errors.New(frame.Error)
							}
							self.deliverResult(*frame.RequestId, resultErr)
						default:
							glog.V(2).Infof("[pt]other=%s %s<-\n", frame.Type, clientId)
						}
					default:
						glog.V(2).Infof("[pt]other=%d %s<-\n", messageType, clientId)
					}
				}
			}()
		}
		c()
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *PlatformTransport) Close() {
	self.cancel()
}
