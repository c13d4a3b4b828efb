// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 inferq 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，
避免重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual / AssertEventuallyTrue
  - 等待工具: WaitFor / WaitForChannel，支持超时轮询
  - 回显工作者: EchoWorker 直接基于 Broker 回复请求，
    用于在没有 Consumer 的情况下测试 Producer

# 使用示例

	ctx := testutil.TestContext(t)
	b := broker.NewMemoryServer(0, 0, nil).Connect()
	testutil.NewEchoWorker(b, "inputs", "outputs", false).Start(t)
*/
package testutil
