package utils

import (
	"math/rand"
	"strconv"
	"time"
)

// 将 string 类型的命令转为 [][]byte 类型（即 CmdLine)
func ToCmdLine(cmd ...string) [][]byte {
	args := make([][]byte, len(cmd))
	for i, s := range cmd {
		args[i] = []byte(s)
	}
	return args
}

// 将 command 和 args 命令转为 CmdLine 类型
func ToCmdLine2(command string, args ...string) [][]byte {
	result := make([][]byte, len(args)+1)
	result[0] = []byte(command)
	for i, arg := range args {
		result[i+1] = []byte(arg)
	}
	return result
}

// ToBytes 把一个命令参数转换成 bulk 字符串。
// 只接受 string、[]byte、整数和浮点数，其他类型（包括 nil）返回 false
func ToBytes(arg any) ([]byte, bool) {
	switch v := arg.(type) {
	case []byte:
		if v == nil {
			return []byte{}, true
		}
		return v, true
	case string:
		return []byte(v), true
	case int:
		return strconv.AppendInt(nil, int64(v), 10), true
	case int8:
		return strconv.AppendInt(nil, int64(v), 10), true
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), true
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), true
	case int64:
		return strconv.AppendInt(nil, v, 10), true
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), true
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10), true
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10), true
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), true
	case uint64:
		return strconv.AppendUint(nil, v, 10), true
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'f', -1, 32), true
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64), true
	}
	return nil, false
}

// 检查两个 []byte 类型的变量是否相同
func BytesEquals(a []byte, b []byte) bool {
	if (a == nil && b != nil) || (a != nil && b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

func RandString(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}
