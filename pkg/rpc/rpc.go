package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ferryfi/ferry/pkg/ledger"
	"github.com/ferryfi/ferry/pkg/model"
	"github.com/ferryfi/ferry/pkg/transport"
)

// Request defines a JSON-RPC 2.0 request object.
type Request struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response defines a JSON-RPC 2.0 response object.
type Response struct {
	Version string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error defines a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// Error codes
const (
	ErrorCodeParseError        = -32700
	ErrorMessageParseError     = "Parse error"
	ErrorCodeInvalidRequest    = -32600
	ErrorMessageInvalidRequest = "Invalid Request"
	ErrorCodeMethodNotFound    = -32601
	ErrorMessageMethodNotFound = "Method not found"
	ErrorCodeInvalidParams     = -32602
	ErrorMessageInvalidParams  = "Invalid params"
	ErrorCodeInternalError     = -32603
	ErrorMessageInternalError  = "Internal error"
	ErrorCodeNotFound          = -32000
	ErrorMessageNotFound       = "Not found"
	ErrorCodeUnauthorized      = -32001
	ErrorMessageUnauthorized   = "Unauthorized"
)

func NewResponse(id interface{}, result json.RawMessage, err *Error) Response {
	return Response{
		Version: "2.0",
		ID:      id,
		Result:  result,
		Error:   err,
	}
}

func NewError(code int, message string, data string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Book is the order-ledger surface exposed over RPC.
type Book interface {
	CreateOrder(intent model.SignedOrderIntent) (model.Order, error)
	CreateFill(orderID string, spec ledger.FillSpec) (model.Fill, error)
	UpdateFillStatus(orderID, fillID string, status model.FillStatus, txRefs *model.TxRefs) error
	CancelOrder(orderID, requester string) error
	Order(id string) (model.Order, error)
	OrdersByMaker(maker string) ([]model.Order, error)
	ActiveOrders() ([]model.Order, error)
}

type Server struct {
	router  *gin.Engine
	logger  *zap.Logger
	book    Book
	bus     transport.Bus
	methods map[string]Method
	secret  []byte
}

func NewServer(book Book, bus transport.Bus, jwtSecret string, logger *zap.Logger) *Server {
	s := &Server{
		router:  gin.New(),
		logger:  logger.With(zap.String("component", "rpc")),
		book:    book,
		bus:     bus,
		methods: make(map[string]Method),
		secret:  []byte(jwtSecret),
	}
	for _, m := range []Method{
		createOrder{},
		getOrder{},
		getOrdersByMaker{},
		getActiveOrders{},
		cancelOrder{},
		createFill{},
		updateFillStatus{},
		retryOrder{},
		revealSecret{},
	} {
		s.methods[m.Name()] = m
	}
	return s
}

func (s *Server) Run(ctx context.Context, addr string) error {
	s.router.Use(gin.Recovery())
	s.router.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"online": true})
	})
	s.router.GET("/nonce", s.nonce())
	s.router.POST("/verify", s.verify())
	s.router.GET("/ws", s.socket())
	s.router.POST("/", s.optionalAuth(), s.HandleJSONRPC)

	service := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	go func() {
		<-ctx.Done()
		service.Shutdown(context.Background())
	}()
	s.logger.Info("listening", zap.String("addr", addr))
	if err := service.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) HandleJSONRPC(ctx *gin.Context) {
	req := Request{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, NewResponse(req.ID, nil, NewError(ErrorCodeParseError, ErrorMessageParseError, err.Error())))
		return
	}

	method, ok := s.methods[req.Method]
	if !ok {
		ctx.JSON(http.StatusNotFound, NewResponse(req.ID, nil, NewError(ErrorCodeMethodNotFound, ErrorMessageMethodNotFound, req.Method)))
		return
	}

	call := &Call{
		Book:       s.book,
		Bus:        s.bus,
		Logger:     s.logger,
		AuthWallet: ctx.GetString("userWallet"),
	}
	result, err := method.Query(call, req.Params)
	if err != nil {
		ctx.JSON(statusFor(err), NewResponse(req.ID, nil, errorFor(err)))
		return
	}

	ctx.JSON(http.StatusOK, NewResponse(req.ID, result, nil))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound), errors.Is(err, ledger.ErrFillNotFound):
		return http.StatusNotFound
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errBadParams),
		errors.Is(err, ledger.ErrOrderExpired),
		errors.Is(err, ledger.ErrOrderNotFillable),
		errors.Is(err, ledger.ErrScheduleConflict),
		errors.Is(err, ledger.ErrNotMaker),
		errors.Is(err, ledger.ErrAlreadyFilled),
		errors.Is(err, ledger.ErrStatusRegression),
		errors.Is(err, model.ErrInvalidSignature):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorFor(err error) *Error {
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound), errors.Is(err, ledger.ErrFillNotFound):
		return NewError(ErrorCodeNotFound, ErrorMessageNotFound, err.Error())
	case errors.Is(err, errUnauthorized):
		return NewError(ErrorCodeUnauthorized, ErrorMessageUnauthorized, err.Error())
	case statusFor(err) == http.StatusBadRequest:
		return NewError(ErrorCodeInvalidParams, ErrorMessageInvalidParams, err.Error())
	default:
		return NewError(ErrorCodeInternalError, ErrorMessageInternalError, err.Error())
	}
}
