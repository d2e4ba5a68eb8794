package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Queue topology names.
const (
	DefaultExchange = "default"
	TaskQueue       = "task"
	DispatcherQueue = "dispatcher"
)

// Task document fields that must be present before a task can run.
var TaskFields = []string{"id", "client", "module", "function", "arguments"}

// Common errors.
var (
	ErrMalformed       = errors.New("wire: malformed document")
	ErrMissingEnvelope = errors.New("wire: missing envelope field")
)

// QueueDescriptor names a queue on the broker. It is used both as an agent's
// input queue and as a task's return address.
type QueueDescriptor struct {
	Exchange string `json:"exchange"`
	Queue    string `json:"queue"`
}

// NewQueue returns a descriptor for name bound to the default exchange.
func NewQueue(name string) QueueDescriptor {
	return QueueDescriptor{Exchange: DefaultExchange, Queue: name}
}

// IsZero reports whether the descriptor names no queue.
func (q QueueDescriptor) IsZero() bool {
	return q.Queue == ""
}

// WithDefaults fills an empty exchange with DefaultExchange.
func (q QueueDescriptor) WithDefaults() QueueDescriptor {
	if q.Exchange == "" {
		q.Exchange = DefaultExchange
	}
	return q
}

func (q QueueDescriptor) String() string {
	return q.WithDefaults().Exchange + "/" + q.Queue
}

// Task is a unit of work: call Function of Module with Arguments and send the
// report to Client.
type Task struct {
	ID        int             `json:"id"`
	Client    QueueDescriptor `json:"client"`
	Module    string          `json:"module"`
	Function  string          `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewTask builds a task, encoding args as its arguments. A nil args value
// encodes as null.
func NewTask(id int, client QueueDescriptor, module, function string, args any) (*Task, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return &Task{
		ID:        id,
		Client:    client,
		Module:    module,
		Function:  function,
		Arguments: raw,
	}, nil
}

// Marshal serializes the task to JSON. Nil arguments encode as null so the
// field is always present.
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask deserializes a task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &t, nil
}

// TaskReport is the outcome of one task, published to the task's Client queue.
type TaskReport struct {
	ID         int             `json:"id"`
	Client     QueueDescriptor `json:"client"`
	Result     any             `json:"result"`
	Status     bool            `json:"status"`
	Resolution string          `json:"resolution"`
}

// DecodeReport deserializes a task report.
func DecodeReport(data []byte) (*TaskReport, error) {
	var r TaskReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &r, nil
}

// MissingFields returns the top-level fields of the JSON object in data that
// are absent. A present field with a null value counts as present.
func MissingFields(data []byte, fields ...string) []string {
	var missing []string
	for _, f := range fields {
		if !gjson.GetBytes(data, f).Exists() {
			missing = append(missing, f)
		}
	}
	return missing
}

// CheckTaskEnvelope verifies that data is a JSON object carrying the fields a
// report needs for routing: a numeric id and a client queue. Bodies failing
// this check cannot be answered and are dropped by the queue transport.
func CheckTaskEnvelope(data []byte) error {
	if err := checkObject(data); err != nil {
		return err
	}
	if gjson.GetBytes(data, "id").Type != gjson.Number {
		return fmt.Errorf("%w: id", ErrMissingEnvelope)
	}
	if gjson.GetBytes(data, "client.queue").String() == "" {
		return fmt.Errorf("%w: client.queue", ErrMissingEnvelope)
	}
	return nil
}

// CheckReportEnvelope verifies that data looks like a TaskReport.
func CheckReportEnvelope(data []byte) error {
	if err := checkObject(data); err != nil {
		return err
	}
	for _, f := range []string{"id", "status"} {
		if !gjson.GetBytes(data, f).Exists() {
			return fmt.Errorf("%w: %s", ErrMissingEnvelope, f)
		}
	}
	return nil
}

// CheckObject verifies that data is a JSON object.
func CheckObject(data []byte) error {
	return checkObject(data)
}

func checkObject(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	if !gjson.ParseBytes(data).IsObject() {
		return fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return nil
}
