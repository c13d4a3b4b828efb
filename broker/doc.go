// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 broker 提供持久化消息队列的统一抽象及多后端实现。

# 概述

生产者与消费者之间通过两个队列（inputs / outputs）交换请求与回复。
本包把底层消息中间件收敛为一组最小原语，使上层的关联协议与批处理
消费逻辑无需关心具体后端。

# 核心接口

  - Broker: Declare / Publish / Receive / Ack / Nack / Ping / Close。
    Receive 在超时后返回 ErrNoMessage；timeout <= 0 表示一直阻塞到 ctx 结束。
  - Delivery: 一次投递，包含队列名、投递 ID、消息体与投递次数（Attempt）。

# 投递语义

所有后端均为至少一次投递：未 Ack 的消息在连接关闭或租约过期后会重新
投递；Nack(requeue=true) 立即重新入队，Nack(requeue=false) 进入死信。

# 后端实现

  - Memory: 进程内实现，MemoryServer 可被多个连接共享，连接关闭时
    未确认消息重新入队，适合开发与测试。
  - Redis: 基于 Redis Streams 与消费者组（XREADGROUP / XACK / XAUTOCLAIM）。
  - AMQP: 基于 RabbitMQ（amqp091-go），支持 x-message-ttl 与 x-max-length。
  - SQL: 基于 GORM 的租约表，支持 sqlite / postgres / mysql。

# 使用方式

	b, err := broker.Open(ctx, broker.Config{Type: broker.TypeRedis, URL: "redis://localhost:6379/0"}, logger)
	if err != nil {
	    return err
	}
	defer b.Close()

NewRetryingBroker 为任意后端增加指数退避重试。
*/
package broker
