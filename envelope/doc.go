// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 envelope 定义 inputs/outputs 两条队列上传输的线格式单元，
以及承载任意结构化负载的 Value 类型。

# 概述

Producer 与 Consumer 之间只交换两种信封：Request 与 Reply。
二者共享同一 JSON 形状 {id, payload, origin, timestamp, meta}，
Reply 复用其对应 Request 的 id 作为关联标识。

# 核心类型

  - Value：带标签的联合类型（null / bool / number / string / array / object），
    用于表达无模式的负载，数字保留原始 JSON 文本以保证回显无损。
  - Request：调用方发出的请求，包含 id、负载、来源进程与创建时间。
  - Reply：批处理消费者生成的回复，id 与原请求一致。

# 编解码

EncodeRequest / DecodeRequest 与 EncodeReply / DecodeReply 负责
JSON 编解码。缺少 id 或无法解析的消息返回 ErrMalformed，
调用方据此确认并丢弃该消息。
*/
package envelope
