package poolchain_test

import (
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/fogfactory/poolchain"
)

// Registered at package level so the worker processes, which run this test binary, know them.
var (
	timesTen = poolchain.Register("test.times_ten", func(i int) (int, error) {
		return i * 10, nil
	})
	stringify = poolchain.Register("test.stringify", func(i int) (string, error) {
		return strconv.Itoa(i), nil
	})
	failOnThree = poolchain.Register("test.fail_on_three", func(i int) (int, error) {
		if i == 3 {
			return 0, errors.New("three is not allowed")
		}
		return i, nil
	})
	panicking = poolchain.Register("test.panic", func(i int) (int, error) {
		panic("boom")
	})
	sleepMillis = poolchain.Register("test.sleep_millis", func(ms int) (int, error) {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms, nil
	})
	pid = poolchain.Register("test.pid", func(int) (int, error) {
		return os.Getpid(), nil
	})
)

func TestMain(m *testing.M) {
	poolchain.ServeWorker()
	os.Exit(m.Run())
}
