package microservice

import (
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/xigadee/microservice/internal/runtime"
	"github.com/xigadee/microservice/internal/runtime/channel"
	"github.com/xigadee/microservice/internal/runtime/collector"
	configpkg "github.com/xigadee/microservice/internal/runtime/config"
	errspkg "github.com/xigadee/microservice/internal/runtime/errors"
	handlerpkg "github.com/xigadee/microservice/internal/runtime/handlers"
	idspkg "github.com/xigadee/microservice/internal/runtime/ids"
	jsoncodec "github.com/xigadee/microservice/internal/runtime/jsoncodec"
	loggingpkg "github.com/xigadee/microservice/internal/runtime/logging"
	"github.com/xigadee/microservice/internal/runtime/masterjob"
	"github.com/xigadee/microservice/internal/runtime/messaging"
	metadatapkg "github.com/xigadee/microservice/internal/runtime/metadata"
	"github.com/xigadee/microservice/internal/runtime/resource"
	"github.com/xigadee/microservice/internal/runtime/schedule"
	"github.com/xigadee/microservice/internal/runtime/tasks"
	"github.com/xigadee/microservice/transport"
)

type (
	Config              = configpkg.Config
	DispatcherConfig    = configpkg.DispatcherConfig
	PollConfig          = configpkg.PollConfig
	FabricConfig        = configpkg.FabricConfig
	ScheduleConfig      = configpkg.ScheduleConfig
	MasterJobConfig     = configpkg.MasterJobConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ProtoValidator      = runtimepkg.ProtoValidator
	Producer            = runtimepkg.Producer

	// Messages
	ServiceMessage       = messaging.ServiceMessage
	ServiceMessageHeader = messaging.ServiceMessageHeader
	TransmissionPayload  = messaging.TransmissionPayload
	Metadata             = metadatapkg.Metadata

	// Channels
	Channel       = channel.Channel
	Direction     = channel.Direction
	Partition     = channel.Partition
	ChannelOption = channel.Option
	RedirectRule  = channel.RedirectRule

	// Commands
	CommandRegistration                       = runtimepkg.CommandRegistration
	CommandContext                            = runtimepkg.CommandContext
	CommandHandler                            = runtimepkg.CommandHandler
	CommandMiddleware                         = runtimepkg.CommandMiddleware
	CommandInfo                               = runtimepkg.CommandInfo
	CommandStats                              = runtimepkg.CommandStats
	JSONCommandRegistration[T any, O any]     = runtimepkg.JSONCommandRegistration[T, O]
	JSONMessageContext[T any]                 = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]                  = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]          = handlerpkg.JSONMessageHandler[T, O]
	ProtoCommandRegistration[T proto.Message] = runtimepkg.ProtoCommandRegistration[T]
	ProtoMessageContext[T proto.Message]      = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                        = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message]      = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                        = handlerpkg.MessageContextBase
	Output                                    = handlerpkg.Output

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Schedules and master jobs
	Schedule              = schedule.Schedule
	ScheduleExecuteFunc   = schedule.ExecuteFunc
	ScheduleOption        = schedule.Option
	Timer                 = schedule.Timer
	MasterJobRegistration = runtimepkg.MasterJobRegistration
	MasterJobSchedule     = runtimepkg.MasterJobSchedule
	MasterJobContext      = masterjob.Context
	MasterJobState        = masterjob.State
	MasterJobStatus       = masterjob.Status
	NegotiationStrategy   = masterjob.NegotiationStrategy

	// Task manager
	TaskHooks   = tasks.TaskHooks
	TaskContext = tasks.TaskContext

	// Resources
	ResourceProfile = resource.Profile

	// Observability
	Collector     = collector.Collector
	CollectorFunc = collector.Func
	Event         = collector.Event
	EventType     = collector.EventType
	DispatchEvent = collector.DispatchEvent
	ErrorEvent    = collector.ErrorEvent
	EventBuffer   = collector.Buffer
	ChannelStatus = runtimepkg.ChannelStatus
	ClientStatus  = runtimepkg.ClientStatus
	EventStatus   = runtimepkg.EventStatus

	// Logging
	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Errors
	ConfigValidationError     = errspkg.ConfigValidationError
	UnprocessableMessageError = errspkg.UnprocessableMessageError
	ErrorClassifier           = runtimepkg.ErrorClassifier
	ErrorCategory             = runtimepkg.ErrorCategory

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	ListenerClient        = transport.ListenerClient
	SenderClient          = transport.SenderClient
)

// Channel directions.
const (
	Incoming = channel.Incoming
	Outgoing = channel.Outgoing
)

// Response statuses.
const (
	StatusOK           = messaging.StatusOK
	StatusAccepted     = messaging.StatusAccepted
	StatusBadRequest   = messaging.StatusBadRequest
	StatusNotFound     = messaging.StatusNotFound
	StatusTimeout      = messaging.StatusTimeout
	StatusLoopDetected = messaging.StatusLoopDetected
	StatusError        = messaging.StatusError
)

// Master job states.
const (
	MasterJobDisabled = masterjob.Disabled
	MasterJobStandby  = masterjob.Standby
	MasterJobMaster   = masterjob.Master
)

// Metadata keys written by the typed commands.
const (
	MetadataKeyEventSchema = handlerpkg.MetadataKeyEventSchema
	MetadataKeyContentType = handlerpkg.MetadataKeyContentType
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

var (
	NewService     = runtimepkg.NewService
	MustNewService = runtimepkg.MustNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.LoadFile
	ParseConfig    = configpkg.Parse

	NewHeader           = messaging.NewHeader
	NewServiceMessage   = messaging.NewServiceMessage
	NewPayload          = messaging.NewPayload
	NewMessageFromJSON  = runtimepkg.NewMessageFromJSON
	NewMessageFromProto = runtimepkg.NewMessageFromProto

	Partitions             = channel.Partitions
	WithPartitions         = channel.WithPartitions
	WithResourceProfiles   = channel.WithResourceProfiles
	WithBoundaryLogging    = channel.WithBoundaryLogging
	WithInternalChannel    = channel.WithInternal
	WithChannelDescription = channel.WithDescription
	WithRedirects          = channel.WithRedirects
	NewRedirectRule        = channel.NewRedirectRule

	Every                = schedule.Every
	Cron                 = schedule.Cron
	WithSchedulePriority = schedule.WithPriority
	WithScheduleEnabled  = schedule.WithEnabled

	NewDefaultStrategy = masterjob.NewDefaultStrategy
	NewResourceProfile = resource.NewProfile

	DefaultMiddlewares       = runtimepkg.DefaultMiddlewares
	CorrelationKeyMiddleware = runtimepkg.CorrelationKeyMiddleware
	LogMessagesMiddleware    = runtimepkg.LogMessagesMiddleware
	TracerMiddleware         = runtimepkg.TracerMiddleware
	MetricsMiddleware        = runtimepkg.MetricsMiddleware
	RetryMiddleware          = runtimepkg.RetryMiddleware
	RecovererMiddleware      = runtimepkg.RecovererMiddleware

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewEventBuffer      = collector.NewBuffer
	NewLoggingCollector = collector.NewLoggingCollector

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	NewUnprocessableMessageError = errspkg.NewUnprocessableMessageError

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrCommandKeyRequired   = errspkg.ErrCommandKeyRequired
	ErrDuplicateCommand     = errspkg.ErrDuplicateCommand
	ErrDuplicateChannel     = errspkg.ErrDuplicateChannel
	ErrChannelNotFound      = errspkg.ErrChannelNotFound
	ErrPartitionsRequired   = errspkg.ErrPartitionsRequired
	ErrInternalChannel      = errspkg.ErrInternalChannel
	ErrServiceStarted       = errspkg.ErrServiceStarted
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrPayloadRequired      = errspkg.ErrPayloadRequired
	ErrNoSender             = errspkg.ErrNoSender
	ErrUnhandledMessage     = errspkg.ErrUnhandledMessage
	ErrTransitCountExceeded = errspkg.ErrTransitCountExceeded
	ErrProcessingTimeout    = errspkg.ErrProcessingTimeout
	ErrRetryExceeded        = errspkg.ErrRetryExceeded
	ErrResourceIDRequired   = errspkg.ErrResourceIDRequired
	ErrDuplicateResource    = errspkg.ErrDuplicateResource

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID   = idspkg.CreateULID
	NewServiceID = idspkg.NewServiceID
)

func RegisterJSONCommand[T any, O any](svc *Service, cfg JSONCommandRegistration[T, O]) error {
	return runtimepkg.RegisterJSONCommand(svc, cfg)
}

func RegisterProtoCommand[T proto.Message](svc *Service, cfg ProtoCommandRegistration[T]) error {
	return runtimepkg.RegisterProtoCommand(svc, cfg)
}

// NewProtoMessage allocates a message of type T, ready to unmarshal into.
func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.ProtoPrototype[T]()
}

// MustProtoMessage is NewProtoMessage for types known to be constructible.
func MustProtoMessage[T proto.Message]() T {
	msg, err := runtimepkg.ProtoPrototype[T]()
	if err != nil {
		panic(err)
	}
	return msg
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
