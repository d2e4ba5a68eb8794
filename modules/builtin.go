package modules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// BuiltinName is the module every agent ships with.
const BuiltinName = "builtin"

// Builtin returns the builtin module.
func Builtin() *Module {
	return NewModule(BuiltinName).
		MustRegister("echo", echo).
		MustRegister("ping", NoArgs(ping)).
		MustRegister("reverse", Typed(reverse)).
		MustRegister("upper", Typed(upper)).
		MustRegister("hash", Typed(hash)).
		MustRegister("fibonacci", Typed(fibonacci)).
		MustRegister("sum", Typed(sum)).
		MustRegister("timestamp", NoArgs(timestamp)).
		MustRegister("sleep", Typed(sleep)).
		MustRegister("fail", Typed(fail)).
		MustRegister("crash", Typed(crash))
}

// echo returns its arguments unchanged.
func echo(_ context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

func ping(context.Context) (string, error) {
	return "pong", nil
}

func reverse(_ context.Context, s string) (string, error) {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}

func upper(_ context.Context, s string) (string, error) {
	return strings.ToUpper(s), nil
}

func hash(_ context.Context, s string) (string, error) {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// maxFibonacci keeps results inside int64.
const maxFibonacci = 92

func fibonacci(_ context.Context, n int) (int64, error) {
	if n < 0 || n > maxFibonacci {
		return 0, fmt.Errorf("n must be between 0 and %d", maxFibonacci)
	}
	var a, b int64 = 0, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a, nil
}

func sum(_ context.Context, xs []float64) (float64, error) {
	var total float64
	for _, x := range xs {
		total += x
	}
	return total, nil
}

func timestamp(context.Context) (string, error) {
	return time.Now().UTC().Format(time.RFC3339Nano), nil
}

type sleepArgs struct {
	Seconds float64 `json:"seconds"`
}

func sleep(ctx context.Context, args sleepArgs) (float64, error) {
	d := time.Duration(args.Seconds * float64(time.Second))
	select {
	case <-time.After(d):
		return args.Seconds, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type failArgs struct {
	Message string `json:"message"`
}

func fail(_ context.Context, args failArgs) (any, error) {
	if args.Message == "" {
		args.Message = "requested failure"
	}
	return nil, errors.New(args.Message)
}

func crash(_ context.Context, args failArgs) (any, error) {
	if args.Message == "" {
		args.Message = "requested crash"
	}
	panic(args.Message)
}
