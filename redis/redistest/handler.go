package redistest

import (
	"context"
	"errors"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"asyncredis/interface/redis"
	"asyncredis/lib/logger"
	"asyncredis/parser"
	"asyncredis/protocol"
)

const dbCount = 16

type CmdLine = [][]byte

// 一个已连接的客户端
type client struct {
	conn net.Conn
	wmu  sync.Mutex

	db       int
	authed   bool
	multi    bool
	txErr    bool
	queued   []CmdLine
	watching map[string]uint32
	channels map[string]struct{}
	patterns map[string]struct{}
}

func (c *client) write(reply redis.Reply) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = c.conn.Write(reply.ToBytes())
}

func (c *client) subscriptions() int {
	return len(c.channels) + len(c.patterns)
}

// Handler 实现 tcp.Handler，所有命令在一把锁下串行执行
type Handler struct {
	mu       sync.Mutex
	data     [dbCount]map[string][]byte
	versions map[string]uint32
	clients  map[*client]struct{}
	channels map[string]map[*client]struct{}
	patterns map[string]map[*client]struct{}
	closed   bool

	password   string
	maxClients int
}

func NewHandler() *Handler {
	h := &Handler{
		versions: make(map[string]uint32),
		clients:  make(map[*client]struct{}),
		channels: make(map[string]map[*client]struct{}),
		patterns: make(map[string]map[*client]struct{}),
	}
	for i := range h.data {
		h.data[i] = make(map[string][]byte)
	}
	return h
}

func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	c := &client{
		conn:     conn,
		watching: make(map[string]uint32),
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		c.write(protocol.MakeErrReply("ERR max number of clients reached"))
		_ = conn.Close()
		return
	}
	c.authed = h.password == ""
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer h.remove(c)

	r := parser.NewReader(conn)
	for {
		req, err := r.ReadReply()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug("test server read:", err)
			}
			return
		}
		args, ok := toCmdLine(req)
		if !ok || len(args) == 0 {
			c.write(protocol.MakeErrReply("ERR Protocol error: expected array of bulk strings"))
			continue
		}
		h.mu.Lock()
		reply, quit := h.exec(c, args)
		h.mu.Unlock()
		if reply != nil {
			c.write(reply)
		}
		if quit {
			return
		}
	}
}

func toCmdLine(req redis.Reply) (CmdLine, bool) {
	arr, ok := req.(*protocol.ArrayReply)
	if !ok {
		return nil, false
	}
	args := make(CmdLine, len(arr.Replies))
	for i, r := range arr.Replies {
		bulk, ok := r.(*protocol.BulkReply)
		if !ok {
			return nil, false
		}
		args[i] = bulk.Arg
	}
	return args, true
}

func (h *Handler) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.unsubscribeAll(c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *Handler) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.killClients()
	return nil
}

func (h *Handler) killClients() {
	h.mu.Lock()
	conns := make([]net.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (h *Handler) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Handler) get(db int, key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.data[db][key]
	return v, ok
}

func versionKey(db int, key string) string {
	return strconv.Itoa(db) + ":" + key
}

func (h *Handler) touch(db int, keys ...string) {
	for _, key := range keys {
		h.versions[versionKey(db, key)]++
	}
}

// exec 返回 nil 表示回复已经直接写出；quit 为 true 时断开连接
func (h *Handler) exec(c *client, args CmdLine) (redis.Reply, bool) {
	cmd := strings.ToLower(string(args[0]))

	if !c.authed && cmd != "auth" && cmd != "quit" {
		return protocol.MakeErrReply("NOAUTH Authentication required."), false
	}
	if c.subscriptions() > 0 {
		switch cmd {
		case "subscribe", "unsubscribe", "psubscribe", "punsubscribe", "ping", "quit":
		default:
			return protocol.MakeErrReply("ERR Can't execute '" + cmd + "': only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT are allowed in this context"), false
		}
	}

	switch cmd {
	case "quit":
		return protocol.MakeOkReply(), true
	case "multi":
		if c.multi {
			return protocol.MakeErrReply("ERR MULTI calls can not be nested"), false
		}
		c.multi = true
		return protocol.MakeOkReply(), false
	case "exec":
		return h.execMulti(c), false
	case "discard":
		if !c.multi {
			return protocol.MakeErrReply("ERR DISCARD without MULTI"), false
		}
		h.resetMulti(c)
		return protocol.MakeOkReply(), false
	case "watch":
		if c.multi {
			return protocol.MakeErrReply("ERR WATCH inside MULTI is not allowed"), false
		}
		if len(args) < 2 {
			return protocol.MakeArgNumErrReply(cmd), false
		}
		for _, key := range args[1:] {
			vk := versionKey(c.db, string(key))
			c.watching[vk] = h.versions[vk]
		}
		return protocol.MakeOkReply(), false
	case "subscribe", "psubscribe":
		h.subscribe(c, cmd == "psubscribe", args[1:])
		return nil, false
	case "unsubscribe", "punsubscribe":
		h.unsubscribe(c, cmd == "punsubscribe", args[1:])
		return nil, false
	}

	if c.multi {
		if err := validate(cmd, args); err != nil {
			c.txErr = true
			return err, false
		}
		c.queued = append(c.queued, args)
		return protocol.MakeQueuedReply(), false
	}
	if err := validate(cmd, args); err != nil {
		return err, false
	}
	return h.execCommand(c, cmd, args), false
}

// 各命令的参数个数，负数表示至少
var arity = map[string]int{
	"ping":    -1,
	"echo":    2,
	"auth":    2,
	"select":  2,
	"client":  -2,
	"set":     3,
	"get":     2,
	"del":     -2,
	"incr":    2,
	"unwatch": 1,
	"publish": 3,
	"flushdb": 1,
}

func validate(cmd string, args CmdLine) redis.Reply {
	n, ok := arity[cmd]
	if !ok {
		return protocol.MakeErrReply("ERR unknown command '" + cmd + "'")
	}
	if (n > 0 && len(args) != n) || (n < 0 && len(args) < -n) {
		return protocol.MakeArgNumErrReply(cmd)
	}
	return nil
}

func (h *Handler) execCommand(c *client, cmd string, args CmdLine) redis.Reply {
	db := h.data[c.db]
	switch cmd {
	case "ping":
		if c.subscriptions() > 0 {
			msg := []byte{}
			if len(args) > 1 {
				msg = args[1]
			}
			return protocol.MakeMultiBulkReply(CmdLine{[]byte("pong"), msg})
		}
		if len(args) > 1 {
			return protocol.MakeBulkReply(args[1])
		}
		return protocol.MakePongReply()
	case "echo":
		return protocol.MakeBulkReply(args[1])
	case "auth":
		if h.password == "" {
			return protocol.MakeErrReply("ERR AUTH <password> called without any password configured for the default user")
		}
		if string(args[1]) != h.password {
			return protocol.MakeErrReply("WRONGPASS invalid username-password pair")
		}
		c.authed = true
		return protocol.MakeOkReply()
	case "select":
		n, err := strconv.Atoi(string(args[1]))
		if err != nil || n < 0 || n >= dbCount {
			return protocol.MakeErrReply("ERR DB index is out of range")
		}
		c.db = n
		return protocol.MakeOkReply()
	case "client":
		return protocol.MakeOkReply()
	case "set":
		db[string(args[1])] = args[2]
		h.touch(c.db, string(args[1]))
		return protocol.MakeOkReply()
	case "get":
		v, ok := db[string(args[1])]
		if !ok {
			return protocol.MakeNullBulkReply()
		}
		return protocol.MakeBulkReply(v)
	case "del":
		var deleted int64
		for _, key := range args[1:] {
			if _, ok := db[string(key)]; ok {
				delete(db, string(key))
				h.touch(c.db, string(key))
				deleted++
			}
		}
		return protocol.MakeIntReply(deleted)
	case "incr":
		key := string(args[1])
		var n int64
		if v, ok := db[key]; ok {
			var err error
			n, err = strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return protocol.MakeErrReply("ERR value is not an integer or out of range")
			}
		}
		n++
		db[key] = []byte(strconv.FormatInt(n, 10))
		h.touch(c.db, key)
		return protocol.MakeIntReply(n)
	case "unwatch":
		c.watching = make(map[string]uint32)
		return protocol.MakeOkReply()
	case "publish":
		return protocol.MakeIntReply(int64(h.publish(string(args[1]), args[2])))
	case "flushdb":
		for key := range db {
			delete(db, key)
			h.touch(c.db, key)
		}
		return protocol.MakeOkReply()
	}
	return protocol.MakeErrReply("ERR unknown command '" + cmd + "'")
}

// 乐观锁：监视的键版本变化时返回 null 数组，不执行任何命令
func (h *Handler) execMulti(c *client) redis.Reply {
	if !c.multi {
		return protocol.MakeErrReply("ERR EXEC without MULTI")
	}
	defer h.resetMulti(c)
	if c.txErr {
		return &protocol.ExecAbortErrReply{}
	}
	for vk, version := range c.watching {
		if h.versions[vk] != version {
			return protocol.MakeNullArrayReply()
		}
	}
	if len(c.queued) == 0 {
		return protocol.MakeEmptyMultiBulkReply()
	}
	results := make([]redis.Reply, 0, len(c.queued))
	for _, args := range c.queued {
		results = append(results, h.execCommand(c, strings.ToLower(string(args[0])), args))
	}
	return protocol.MakeArrayReply(results)
}

func (h *Handler) resetMulti(c *client) {
	c.multi = false
	c.txErr = false
	c.queued = nil
	c.watching = make(map[string]uint32)
}

func (h *Handler) registry(isPattern bool) map[string]map[*client]struct{} {
	if isPattern {
		return h.patterns
	}
	return h.channels
}

func (h *Handler) subscribe(c *client, isPattern bool, names CmdLine) {
	kind := "subscribe"
	own := c.channels
	if isPattern {
		kind = "psubscribe"
		own = c.patterns
	}
	reg := h.registry(isPattern)
	for _, name := range names {
		key := string(name)
		own[key] = struct{}{}
		if reg[key] == nil {
			reg[key] = make(map[*client]struct{})
		}
		reg[key][c] = struct{}{}
		c.write(confirmation(kind, name, c.subscriptions()))
	}
}

func (h *Handler) unsubscribe(c *client, isPattern bool, names CmdLine) {
	kind := "unsubscribe"
	own := c.channels
	if isPattern {
		kind = "punsubscribe"
		own = c.patterns
	}
	if len(names) == 0 {
		for key := range own {
			names = append(names, []byte(key))
		}
		sort.Slice(names, func(i, j int) bool { return string(names[i]) < string(names[j]) })
	}
	if len(names) == 0 {
		c.write(confirmation(kind, nil, c.subscriptions()))
		return
	}
	reg := h.registry(isPattern)
	for _, name := range names {
		key := string(name)
		delete(own, key)
		if subs := reg[key]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(reg, key)
			}
		}
		c.write(confirmation(kind, name, c.subscriptions()))
	}
}

func (h *Handler) unsubscribeAll(c *client) {
	for key := range c.channels {
		if subs := h.channels[key]; subs != nil {
			delete(subs, c)
		}
	}
	for key := range c.patterns {
		if subs := h.patterns[key]; subs != nil {
			delete(subs, c)
		}
	}
}

func confirmation(kind string, name []byte, count int) redis.Reply {
	var nameReply redis.Reply = protocol.MakeBulkReply(name)
	return protocol.MakeArrayReply([]redis.Reply{
		protocol.MakeBulkReply([]byte(kind)),
		nameReply,
		protocol.MakeIntReply(int64(count)),
	})
}

// publish 调用方持有 h.mu
func (h *Handler) publish(channel string, message []byte) int {
	receivers := 0
	for c := range h.channels[channel] {
		c.write(protocol.MakeMultiBulkReply(CmdLine{[]byte("message"), []byte(channel), message}))
		receivers++
	}
	for pattern, subs := range h.patterns {
		if ok, _ := path.Match(pattern, channel); !ok {
			continue
		}
		for c := range subs {
			c.write(protocol.MakeMultiBulkReply(CmdLine{[]byte("pmessage"), []byte(pattern), []byte(channel), message}))
			receivers++
		}
	}
	return receivers
}
