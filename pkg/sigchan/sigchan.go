// Package sigchan 提供只传递"发生了一次事件"的信号通道。
package sigchan

// Chan 带缓冲的信号通道；Emit 永不阻塞，缓冲满时信号被合并。
type Chan struct {
	c chan struct{}
}

// New 创建缓冲大小为 bufferSize 的信号通道
func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发出一次信号；通道已满时直接丢弃（信号会被已有的合并）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 返回接收端，供 select 使用
func (c *Chan) C() <-chan struct{} {
	return c.c
}
