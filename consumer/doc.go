// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 consumer 实现基于时间窗口的批处理消费者。

# 概述

Consumer 从输入队列拉取请求：先阻塞等待第一条消息，随后打开一个
固定长度的收集窗口，在窗口到期或达到批大小上限前持续收集。
收集完成的批次交给有界工作池执行，处理函数对每个批次只调用一次，
结果按下标与请求一一对应。

# 状态机

	Idle → WaitingForFirst → CollectingWindow → Dispatching → WaitingForFirst …

ShuttingDown 可从任意状态进入且为终态。State() 返回当前状态。

# 确认语义

  - 处理成功：每条回复先发布、后确认对应投递；发布失败的条目单独重新入队。
  - 处理失败（返回错误、panic、结果数量不符）：不发布任何回复，不确认任何投递；
    开启 RequeueOnFailure 时重新入队，超过 MaxDeliveries 时转入死信队列。
  - 格式错误的请求：确认后丢弃并记录告警。

整体为至少一次（at-least-once）投递语义。

# 使用方式

	c, err := consumer.New(b, handler, consumer.DefaultConfig(), consumer.WithLogger(logger))
	if err != nil {
	    return err
	}
	err = c.Run(ctx) // ctx 取消后排空在途批次再返回
*/
package consumer
