// Package timewheel 单层时间轮，连接池用它在空闲超时后关闭多余的空闲连接。
package timewheel

import (
	"container/list"
	"sync"
	"time"

	"asyncredis/lib/logger"
)

type location struct {
	slot  int
	etask *list.Element
}

type TimeWheel struct {
	interval time.Duration
	ticker   *time.Ticker
	slots    []*list.List

	timer             map[string]*location
	currentPos        int
	slotNum           int // 时间槽个数
	addTaskChannel    chan task
	removeTaskChannel chan string
	stopChannel       chan struct{}
	stopOnce          sync.Once
	startOnce         sync.Once
}

type task struct {
	delay  time.Duration
	circle int // 需要等待的圈数
	key    string
	job    func()
}

func New(interval time.Duration, slotNum int) *TimeWheel {
	if interval <= 0 || slotNum <= 0 {
		return nil
	}
	tw := &TimeWheel{
		interval:          interval,
		slots:             make([]*list.List, slotNum),
		timer:             make(map[string]*location),
		slotNum:           slotNum,
		addTaskChannel:    make(chan task),
		removeTaskChannel: make(chan string),
		stopChannel:       make(chan struct{}),
	}
	for i := 0; i < tw.slotNum; i++ {
		tw.slots[i] = list.New()
	}
	return tw
}

// ******************** functional ********************
// 对外暴露的方法，包含启动、关闭、增加Job、移除Job

func (tw *TimeWheel) Start() {
	tw.startOnce.Do(func() {
		tw.ticker = time.NewTicker(tw.interval)
		go tw.start()
	})
}

// Stop 之后 AddJob / RemoveJob 直接返回，未执行的任务被丢弃
func (tw *TimeWheel) Stop() {
	tw.stopOnce.Do(func() {
		close(tw.stopChannel)
	})
}

// AddJob 同一个 key 重复添加时替换旧任务
func (tw *TimeWheel) AddJob(delay time.Duration, key string, job func()) {
	if delay < 0 {
		return
	}
	select {
	case tw.addTaskChannel <- task{delay: delay, key: key, job: job}:
	case <-tw.stopChannel:
	}
}

func (tw *TimeWheel) RemoveJob(key string) {
	if key == "" {
		return
	}
	select {
	case tw.removeTaskChannel <- key:
	case <-tw.stopChannel:
	}
}

// 所有状态只在这个协程里修改
func (tw *TimeWheel) start() {
	for {
		select {
		case <-tw.ticker.C:
			tw.tickHandler()
		case task := <-tw.addTaskChannel:
			tw.addTask(&task)
		case key := <-tw.removeTaskChannel:
			tw.removeTask(key)
		case <-tw.stopChannel:
			tw.ticker.Stop()
			return
		}
	}
}

func (tw *TimeWheel) tickHandler() {
	l := tw.slots[tw.currentPos]
	if tw.currentPos == tw.slotNum-1 {
		tw.currentPos = 0
	} else {
		tw.currentPos++
	}
	tw.scanAndRunTask(l)
}

func (tw *TimeWheel) scanAndRunTask(l *list.List) {
	for e := l.Front(); e != nil; {
		t := e.Value.(*task)
		if t.circle > 0 {
			t.circle--
			e = e.Next()
			continue
		}

		go func(job func()) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error(err)
				}
			}()
			job()
		}(t.job)

		next := e.Next()
		l.Remove(e)
		if t.key != "" {
			delete(tw.timer, t.key)
		}
		e = next
	}
}

func (tw *TimeWheel) addTask(t *task) {
	pos, circle := tw.getPositionAndCircle(t.delay)
	t.circle = circle

	// 该 key 已经存在一个定时任务，移除旧的任务
	if t.key != "" {
		tw.removeTask(t.key)
	}

	e := tw.slots[pos].PushBack(t)
	if t.key != "" {
		tw.timer[t.key] = &location{
			slot:  pos,
			etask: e,
		}
	}
}

// 至少等待一个刻度
func (tw *TimeWheel) getPositionAndCircle(d time.Duration) (pos int, circle int) {
	steps := int(d / tw.interval)
	if steps < 1 {
		steps = 1
	}
	// 当前槽已经走过，等 steps 个刻度落在 currentPos+steps-1
	circle = (steps - 1) / tw.slotNum
	pos = (tw.currentPos + steps - 1) % tw.slotNum
	return
}

func (tw *TimeWheel) removeTask(key string) {
	loc, ok := tw.timer[key]
	if !ok {
		return
	}
	tw.slots[loc.slot].Remove(loc.etask)
	delete(tw.timer, key)
}
