package assert

import (
	"fmt"
	"runtime"
	"testing"

	"asyncredis/interface/redis"
	"asyncredis/lib/utils"
	"asyncredis/protocol"
)

func printStack() string {
	_, file, no, ok := runtime.Caller(2)
	if ok {
		return fmt.Sprintf("at %s %d", file, no)
	}
	return ""
}

func AssertErrReply(t *testing.T, actual redis.Reply, expected string) {
	t.Helper()
	errReply, ok := actual.(protocol.ErrorReply)
	if !ok {
		expectBytes := protocol.MakeErrReply(expected).ToBytes()
		if utils.BytesEquals(actual.ToBytes(), expectBytes) {
			return
		}
		t.Errorf("expected err protocol, actually %s, %s", actual.ToBytes(), printStack())
		return
	}
	if errReply.Error() != expected {
		t.Errorf("expected %s, actually %s, %s", expected, actual.ToBytes(), printStack())
	}
}

func AssertIntReply(t *testing.T, actual redis.Reply, expected int) {
	t.Helper()
	intResult, ok := actual.(*protocol.IntReply)
	if !ok {
		t.Errorf("expected int protocol, actually %s, %s", actual.ToBytes(), printStack())
		return
	}
	if intResult.Code != int64(expected) {
		t.Errorf("expected %d, actually %d, %s", expected, intResult.Code, printStack())
	}
}

func AssertBulkReply(t *testing.T, actual redis.Reply, expected string) {
	t.Helper()
	bulkReply, ok := actual.(*protocol.BulkReply)
	if !ok {
		t.Errorf("expected bulk protocol, actually %s, %s", actual.ToBytes(), printStack())
		return
	}
	if !utils.BytesEquals(bulkReply.Arg, []byte(expected)) {
		t.Errorf("expected %s, actually %s, %s", expected, actual.ToBytes(), printStack())
	}
}

func AssertStatusReply(t *testing.T, actual redis.Reply, expected string) {
	t.Helper()
	statusReply, ok := actual.(*protocol.StatusReply)
	if !ok {
		expectedBytes := protocol.MakeStatusReply(expected).ToBytes()
		if utils.BytesEquals(actual.ToBytes(), expectedBytes) {
			return
		}
		t.Errorf("expected status protocol, actually %s, %s", actual.ToBytes(), printStack())
		return
	}
	if statusReply.Status != expected {
		t.Errorf("expected %s, actually %s, %s", expected, actual.ToBytes(), printStack())
	}
}

// AssertArrayBulks 数组的每个元素都是 bulk string 且依次等于 expected
func AssertArrayBulks(t *testing.T, actual redis.Reply, expected []string) {
	t.Helper()
	arr, ok := actual.(*protocol.ArrayReply)
	if !ok {
		expectedArgs := make([][]byte, len(expected))
		for i, str := range expected {
			expectedArgs[i] = []byte(str)
		}
		expectedBytes := protocol.MakeMultiBulkReply(expectedArgs).ToBytes()
		if utils.BytesEquals(actual.ToBytes(), expectedBytes) {
			return
		}
		t.Errorf("expected array protocol, actually %s, %s", actual.ToBytes(), printStack())
		return
	}
	if len(arr.Replies) != len(expected) {
		t.Errorf("expected %d elements, actually %d, %s", len(expected), len(arr.Replies), printStack())
		return
	}
	for i, r := range arr.Replies {
		bulk, ok := r.(*protocol.BulkReply)
		if !ok || string(bulk.Arg) != expected[i] {
			t.Errorf("expected %s, actually %s, %s", expected[i], r.ToBytes(), printStack())
		}
	}
}

func AssertArrayLen(t *testing.T, actual redis.Reply, expected int) {
	t.Helper()
	arr, ok := actual.(*protocol.ArrayReply)
	if !ok {
		if expected == 0 && protocol.IsEmptyMultiBulkReply(actual) {
			return
		}
		t.Errorf("expected array protocol, actually %s, %s", actual.ToBytes(), printStack())
		return
	}
	if len(arr.Replies) != expected {
		t.Errorf("expected %d elements, actually %d, %s", expected, len(arr.Replies), printStack())
	}
}
