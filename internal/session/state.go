package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/iabetor/wakelisten/internal/logger"
)

// ErrInvalidTransition 表示在当前状态下不支持该操作，状态保持不变。
var ErrInvalidTransition = errors.New("非法的状态转换")

// State 表示监听会话的当前状态。
type State int

const (
	// StateStopped — 初始/终止状态，不持有识别器实例和麦克风。
	StateStopped State = iota
	// StateLoading — 正在获取识别配置、实例和关键词文件。
	StateLoading
	// StatePreListen — 采集已启动，尚未收到音频。
	StatePreListen
	// StateListening — 正在检测唤醒词。
	StateListening
	// StateStreaming — 已确认唤醒，音频直接转发给调用方。
	StateStreaming
	// StatePaused — 采集暂停，识别器状态保留。
	StatePaused
)

var stateNames = [...]string{
	"Stopped",
	"Loading",
	"PreListen",
	"Listening",
	"Streaming",
	"Paused",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Capturing 返回该状态下是否持有麦克风。
func (s State) Capturing() bool {
	switch s {
	case StatePreListen, StateListening, StateStreaming, StatePaused:
		return true
	}
	return false
}

// StateMachine 管理线程安全的状态转换。
type StateMachine struct {
	mu       sync.RWMutex
	current  State
	onChange func(from, to State)
}

// NewStateMachine 创建一个初始状态为 Stopped 的状态机。
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateStopped}
}

// SetOnChange 注册状态变化时的回调函数。回调在持锁时调用，不能再操作状态机。
func (sm *StateMachine) SetOnChange(fn func(from, to State)) {
	sm.mu.Lock()
	sm.onChange = fn
	sm.mu.Unlock()
}

// Current 返回当前状态。
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition 尝试切换状态，非法转换返回 ErrInvalidTransition：
//
//	Stopped   → Loading              （listen）
//	Loading   → PreListen            （资源就绪，采集启动）
//	PreListen → Listening            （收到第一段音频）
//	Listening → Streaming            （确认唤醒）
//	Streaming → Listening            （恢复时重新检测）
//	PreListen/Listening/Streaming → Paused
//	Paused    → Listening/Streaming  （resume）
//
// 任何状态都可以转换到 Stopped。
func (sm *StateMachine) Transition(to State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	from := sm.current
	if !validTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	if from == to {
		return nil
	}

	sm.current = to
	logger.Debugf("[state] %s → %s", from, to)
	if sm.onChange != nil {
		sm.onChange(from, to)
	}
	return nil
}

// validTransition 检查状态转换是否合法。
func validTransition(from, to State) bool {
	// 始终允许回到 Stopped（停止或失败）
	if to == StateStopped {
		return true
	}
	switch from {
	case StateStopped:
		return to == StateLoading
	case StateLoading:
		return to == StatePreListen
	case StatePreListen:
		return to == StateListening || to == StatePaused
	case StateListening:
		return to == StateStreaming || to == StatePaused
	case StateStreaming:
		return to == StateListening || to == StatePaused
	case StatePaused:
		return to == StateListening || to == StateStreaming
	}
	return false
}
