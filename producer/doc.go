// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 producer 实现请求/回复关联协议的调用方。

# 概述

Producer 为每次调用生成唯一的关联 ID，将请求发布到输入队列，
然后阻塞等待输出队列上携带相同 ID 的回复，或在超时后返回 ErrTimeout。
多个并发调用彼此独立，只有等待表（Registry）的访问需要同步。

# 核心类型

  - Producer: Send / SendWithTimeout / Close。
  - Registry: 关联 ID 到 PendingWait 的映射；Resolve 与 Remove
    原子互斥，同一 ID 只会有一个胜者。
  - PendingWait: 单次赋值的结果槽，可通过 Done() 参与 select。

# 回复监听

后台监听协程在 Producer 生命周期内持续接收回复：先确认（Ack），
再按 ID 唤醒等待者；未知 ID 的回复静默丢弃，格式错误的回复记录告警后丢弃。
监听协程还会定期清理已过期的等待项。

# 使用方式

	p, err := producer.New(ctx, b, producer.DefaultConfig(), producer.WithLogger(logger))
	if err != nil {
	    return err
	}
	defer p.Close()

	reply, err := p.Send(ctx, envelope.MustFromAny(map[string]any{"foo": "baa"}))
	if errors.Is(err, producer.ErrTimeout) {
	    // 超时
	}
*/
package producer
