package crawlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/go-rod/rod/lib/cdp"
	"github.com/stretchr/testify/assert"
)

func TestClassifyRodError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		closed bool
	}{
		{"连接读到EOF", fmt.Errorf("read: %w", io.EOF), true},
		{"连接已关闭", &net.OpError{Op: "write", Net: "tcp", Err: net.ErrClosed}, true},
		{"连接被重置", fmt.Errorf("read tcp: %w", syscall.ECONNRESET), true},
		{"CDP会话不存在", &cdp.Error{Code: -32001, Message: "Session with given id not found."}, true},
		{"标签页已分离", &cdp.Error{Code: -32000, Message: "Not attached to an active page"}, true},
		{"websocket关闭帧", errors.New("websocket: close 1006 (abnormal closure)"), true},
		{"目标已关闭", errors.New("Target closed"), true},
		{"已经归类", fmt.Errorf("%w: eof", ErrDriverClosed), true},
		{"执行上下文销毁", &cdp.Error{Code: -32000, Message: "Execution context was destroyed."}, false},
		{"普通超时", context.DeadlineExceeded, false},
		{"元素不存在", errors.New("cannot find element"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyRodError(tt.err)
			assert.Equal(t, tt.closed, errors.Is(got, ErrDriverClosed), "归类错误: %v", got)
			assert.ErrorIs(t, got, tt.err, "原始错误应保留在链上")
		})
	}
}

func TestClassifyRodError_Nil(t *testing.T) {
	assert.NoError(t, classifyRodError(nil))
}

func TestClassifyRodError_WrappedByPageOperation(t *testing.T) {
	// 与 rodPage.Elements 的包装方式一致
	err := fmt.Errorf("查询元素失败 [%s]: %w", "select#plan option", classifyRodError(io.ErrUnexpectedEOF))
	assert.ErrorIs(t, err, ErrDriverClosed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
